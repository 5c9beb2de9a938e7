package source

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
	"github.com/aristath/stocketl/internal/table"
)

// DefaultSimFinURL is the SimFin bulk download endpoint.
const DefaultSimFinURL = "https://backend.simfin.com/api/bulk-download/s3"

// SimFinConfig configures the SimFin bulk download client.
type SimFinConfig struct {
	APIKey      string
	BaseURL     string // Defaults to DefaultSimFinURL
	DataDir     string // Download cache directory
	RefreshDays int    // Cached files younger than this are reused; 0 always downloads
	HTTPClient  *http.Client
}

// SimFin downloads zipped CSV datasets from SimFin and caches them on disk.
type SimFin struct {
	cfg    SimFinConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewSimFin creates a SimFin client. The API key is cleaned with CleanAPIKey;
// an empty key is a configuration failure.
func NewSimFin(cfg SimFinConfig, logger *slog.Logger) (*SimFin, error) {
	cfg.APIKey = CleanAPIKey(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errkind.Configurationf("simfin api key is not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSimFinURL
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "simfin_data"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errkind.Configuration(fmt.Errorf("create simfin data dir: %w", err))
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("simfin configured", "key_prefix", keyPrefix(cfg.APIKey), "data_dir", cfg.DataDir)
	return &SimFin{cfg: cfg, client: client, logger: logger, now: time.Now}, nil
}

func keyPrefix(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "..."
}

// cachePath is where the zip for d is kept.
func (s *SimFin) cachePath(d Dataset) string {
	return filepath.Join(s.cfg.DataDir, strings.TrimSuffix(d.FileName(), ".csv")+".zip")
}

func (s *SimFin) fresh(p string) bool {
	if s.cfg.RefreshDays <= 0 {
		return false
	}
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return s.now().Sub(info.ModTime()) < time.Duration(s.cfg.RefreshDays)*24*time.Hour
}

// Load returns dataset d, downloading it unless a fresh cached copy exists.
func (s *SimFin) Load(ctx context.Context, d Dataset) (*table.Table, error) {
	p := s.cachePath(d)
	if s.fresh(p) {
		s.logger.Debug("using cached dataset", "dataset", d.String(), "path", p)
	} else if err := s.download(ctx, d, p); err != nil {
		return nil, err
	}

	t, err := readZippedCSV(p)
	if err != nil {
		// A corrupt cache entry must not stick around
		_ = os.Remove(p)
		return nil, errkind.Transient(fmt.Errorf("read %s: %w", d, err))
	}
	s.logger.Info("dataset loaded", "dataset", d.String(), "rows", t.Len(), "columns", len(t.Columns))
	return t, nil
}

func (s *SimFin) download(ctx context.Context, d Dataset, dst string) error {
	q := url.Values{}
	q.Set("dataset", d.Name)
	q.Set("market", d.Market)
	if d.Variant != "" {
		q.Set("variant", d.Variant)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return errkind.Configuration(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "api-key "+s.cfg.APIKey)

	s.logger.Info("downloading dataset", "dataset", d.String())
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.Transient(fmt.Errorf("download %s: %w", d, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, d); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.Transient(fmt.Errorf("download %s: %w", d, err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	return os.Rename(tmp.Name(), dst)
}

func classifyStatus(resp *http.Response, d Dataset) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))

	var err error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = errkind.Configuration(zerr.Wrap(ErrAuthentication, detail))
	case resp.StatusCode == http.StatusNotFound:
		err = errkind.Configuration(zerr.Wrap(ErrNotFound, d.String()))
	case resp.StatusCode == http.StatusTooManyRequests:
		err = errkind.Transient(zerr.Wrap(ErrRateLimit, detail))
	case resp.StatusCode >= 500:
		err = errkind.Transient(fmt.Errorf("provider returned %s: %s", resp.Status, detail))
	default:
		err = fmt.Errorf("provider returned %s: %s", resp.Status, detail)
	}
	return zerr.With(zerr.Wrap(err, "download dataset"), "status", resp.StatusCode)
}

// readZippedCSV decodes the first CSV file inside the zip at p.
func readZippedCSV(p string) (*table.Table, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return table.ReadCSV(rc, Delimiter)
	}
	return nil, errors.New("archive contains no csv file")
}
