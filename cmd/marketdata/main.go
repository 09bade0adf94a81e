package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"bitget-futures/internal/config"
	"bitget-futures/internal/core"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/logging"
)

const (
	defaultBaseURL = "https://api.bitget.com"
	defaultOutDir  = "data/bitget"
	pageLimit      = 200
)

type candleLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Turnover  string `json:"turnover,omitempty"`
}

type dateWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func newDateWriter(root string) (*dateWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dateWriter{root: root}, nil
}

func (w *dateWriter) write(date string, line []byte) error {
	if err := w.rotate(date); err != nil {
		return err
	}
	_, err := w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *dateWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.close(); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.root, date+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.currentFile = f
	w.currentDate = date
	return nil
}

func (w *dateWriter) close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	f := w.currentFile
	w.currentFile = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var (
		baseURL     string
		productType string
		symbol      string
		interval    string
		days        int
		startRaw    string
		endRaw      string
		outDir      string
		timeout     int64
		logLevel    string
	)
	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "exchange REST base url")
	flag.StringVar(&productType, "product-type", "USDT-FUTURES", "futures product type")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	flag.StringVar(&interval, "interval", "1m", "candle granularity, e.g. 1m/5m/15m/1H/4H/1D")
	flag.IntVar(&days, "days", 30, "how many days to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.Int64Var(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" || interval == "" || strings.TrimSpace(baseURL) == "" {
		fatal("base-url/symbol/interval are required")
	}
	step, err := granularityDuration(interval)
	if err != nil {
		fatal(err.Error())
	}
	start, end, err := resolveWindow(time.Now().UTC(), days, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	logger, closer, err := logging.New(config.LoggingConfig{Level: logLevel})
	if err != nil {
		fatal(err.Error())
	}
	defer closer.Close()
	log := logging.Component(logger, "marketdata")

	targetDir := filepath.Join(outDir, symbol, interval)
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			log.WithError(closeErr).Error("writer_close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Candle history is public; no signer is needed.
	client := bitget.NewClientWithOptions(nil, bitget.Options{
		RestBaseURL:    baseURL,
		ProductType:    productType,
		HTTPTimeoutSec: timeout,
		RequestsPerSec: 8,
		Logger:         logger,
	})

	log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
		"from":     start.Format(time.RFC3339),
		"to":       end.Format(time.RFC3339),
	}).Info("download_started")

	stats, err := download(ctx, client, writer, symbol, interval, step, start, end, log)
	if err != nil {
		log.WithError(err).Error("download_failed")
		fatal(err.Error())
	}
	log.WithFields(logrus.Fields{
		"records":  stats.records,
		"requests": stats.requests,
		"output":   targetDir,
	}).Info("download_finished")
}

type candleSource interface {
	Candles(ctx context.Context, q bitget.CandleQuery) ([]core.Candle, error)
}

type downloadStats struct {
	records  int
	requests int
}

// download pages forward through [start, end) one window of pageLimit candles at a time.
func download(ctx context.Context, src candleSource, w *dateWriter, symbol, interval string, step time.Duration, start, end time.Time, log logrus.FieldLogger) (downloadStats, error) {
	var stats downloadStats
	cursor := start
	for cursor.Before(end) {
		windowEnd := cursor.Add(step * pageLimit)
		if windowEnd.After(end) {
			windowEnd = end
		}
		batch, err := src.Candles(ctx, bitget.CandleQuery{
			Symbol:      symbol,
			Granularity: interval,
			Start:       cursor,
			End:         windowEnd,
			Limit:       pageLimit,
		})
		if err != nil {
			return stats, err
		}
		stats.requests++
		next := windowEnd
		for _, c := range batch {
			if c.Time.Before(cursor) || !c.Time.Before(end) {
				continue
			}
			ts := c.Time.UTC()
			encoded, err := json.Marshal(candleLine{
				Time:      ts.Format(time.RFC3339),
				Timestamp: ts.UnixMilli(),
				Symbol:    symbol,
				Interval:  interval,
				Open:      c.Open.String(),
				High:      c.High.String(),
				Low:       c.Low.String(),
				Close:     c.Close.String(),
				Volume:    c.Volume.String(),
				Turnover:  c.Turnover.String(),
			})
			if err != nil {
				return stats, err
			}
			if err := w.write(ts.Format("2006-01-02"), encoded); err != nil {
				return stats, err
			}
			stats.records++
			if after := ts.Add(step); after.After(next) {
				next = after
			}
		}
		cursor = next
		if stats.requests%20 == 0 {
			log.WithFields(logrus.Fields{
				"requests": stats.requests,
				"records":  stats.records,
				"cursor":   cursor.Format(time.RFC3339),
			}).Info("download_progress")
		}
	}
	return stats, nil
}

func granularityDuration(raw string) (time.Duration, error) {
	if len(raw) < 2 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	switch raw[len(raw)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'H':
		return time.Duration(n) * time.Hour, nil
	case 'D':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'W':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
}

func resolveWindow(now time.Time, days int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if days < 1 {
			return time.Time{}, time.Time{}, errors.New("days must be >= 1")
		}
		return now.AddDate(0, 0, -days), now, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, _, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if endDateOnly {
		end = end.Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		return t, err == nil, err
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
