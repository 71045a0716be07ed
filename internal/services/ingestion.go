package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/logging"
	"archflow/backend/internal/storage"
	"archflow/backend/pkg/models"
)

const (
	dependencyDocumentSource = "document_source"
	maxDocumentBytes         = 50 << 20
)

var pdfMagic = []byte("%PDF-")

// IngestionOptions restrict where documents may be fetched from.
type IngestionOptions struct {
	// AllowedHosts lists hostnames documents may be fetched from. An entry
	// starting with "." matches any subdomain. Empty allows no host.
	AllowedHosts []string
}

// DocumentIngestor copies regulatory PDFs into object storage so later
// compliance runs can cite them.
type DocumentIngestor struct {
	blobs  storage.BlobStore
	client *http.Client
	hosts  []string
	logger *logging.Logger
}

// NewDocumentIngestor creates a DocumentIngestor and registers its
// pdf_ingestion handler on tracker.
func NewDocumentIngestor(blobs storage.BlobStore, client *http.Client, tracker *WorkflowTracker, opts IngestionOptions, logger *logging.Logger) *DocumentIngestor {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	d := &DocumentIngestor{blobs: blobs, hosts: hosts, logger: logger.With("component", "ingestion")}
	// Redirects must stay on allowed hosts too.
	fetcher := *client
	fetcher.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		if _, err := d.checkSource(req.URL.String()); err != nil {
			return err
		}
		return nil
	}
	d.client = &fetcher
	if tracker != nil {
		tracker.RegisterHandler(KindPDFIngestion, d.run)
	}
	return d
}

func (d *DocumentIngestor) run(ctx context.Context, run *models.WorkflowRun) (map[string]any, error) {
	source, _ := run.Parameters["source_url"].(string)
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errs.New(errs.Validation, "source_url is required")
	}
	jurisdiction, _ := run.Parameters["jurisdiction"].(string)
	if jurisdiction = strings.TrimSpace(jurisdiction); jurisdiction == "" {
		jurisdiction = "general"
	}

	target, err := d.checkSource(source)
	if err != nil {
		return nil, err
	}
	data, err := d.fetch(ctx, run.RunID, target)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, &errs.Error{Kind: errs.DataIntegrity, Dependency: dependencyDocumentSource, Detail: "document is not a PDF"}
	}

	sum := sha256.Sum256(data)
	key := fmt.Sprintf("documents/%s/%s.pdf", strings.ToLower(strings.ReplaceAll(jurisdiction, " ", "-")), run.RunID)
	location, err := d.blobs.Put(ctx, key, data, "application/pdf")
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "object_storage", err)
	}
	d.logger.Info("document ingested", "run_id", run.RunID, "url", location, "size_bytes", len(data))
	return map[string]any{
		"url":          location,
		"size_bytes":   len(data),
		"sha256":       hex.EncodeToString(sum[:]),
		"jurisdiction": jurisdiction,
	}, nil
}

// checkSource accepts only http(s) URLs on an allowed host.
func (d *DocumentIngestor) checkSource(source string) (*url.URL, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, errs.New(errs.Validation, "invalid source_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.New(errs.Validation, "source_url must use http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !d.hostAllowed(host) {
		return nil, errs.New(errs.Validation, "source_url host %q is not allowed", host)
	}
	return u, nil
}

func (d *DocumentIngestor) hostAllowed(host string) bool {
	for _, allowed := range d.hosts {
		if host == allowed || (strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed)) {
			return true
		}
	}
	return false
}

func (d *DocumentIngestor) fetch(ctx context.Context, runID string, source *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return nil, errs.New(errs.Validation, "invalid source_url")
	}
	resp, err := d.client.Do(req)
	if errs.Is(err, errs.Validation) {
		return nil, errs.New(errs.Validation, "source_url redirects to a host that is not allowed")
	}
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, dependencyDocumentSource, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("document source rejected fetch", "run_id", runID, "host", source.Hostname(), "status_code", resp.StatusCode)
		return nil, &errs.Error{
			Kind:       errs.DependencyRejected,
			Dependency: dependencyDocumentSource,
			Detail:     "document could not be fetched",
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, dependencyDocumentSource, err)
	}
	if len(data) > maxDocumentBytes {
		return nil, &errs.Error{Kind: errs.DataIntegrity, Dependency: dependencyDocumentSource, Detail: "document exceeds size limit"}
	}
	return data, nil
}
