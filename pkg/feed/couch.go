package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openregistry/concierge/pkg/engine"
)

const (
	// DefaultLimit is the number of changes requested per poll.
	DefaultLimit = 100

	// DefaultFilter is the design document filter selecting actionable lots.
	DefaultFilter = "lots/status"

	designID = "_design/lots"
)

// Config configures a CouchFeed.
type Config struct {
	// URL is the CouchDB server, e.g. http://127.0.0.1:5984.
	URL      string
	Database string
	Login    string
	Password string
	Filter   string
	Limit    int
	Timeout  time.Duration
}

// CouchFeed reads lot changes from a CouchDB _changes feed. It implements
// engine.ChangeFeed.
type CouchFeed struct {
	dbURL      string
	cfg        Config
	httpClient *http.Client
	validate   *validator.Validate
	logger     zerolog.Logger
}

// New creates a change feed for the configured database.
func New(cfg Config, logger zerolog.Logger) (*CouchFeed, error) {
	if cfg.Database == "" {
		return nil, errors.New("feed database name is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid feed url %q", cfg.URL)
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultFilter
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &CouchFeed{
		dbURL:      strings.TrimRight(cfg.URL, "/") + "/" + url.PathEscape(cfg.Database),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		validate:   validator.New(),
		logger:     logger.With().Str("component", "feed").Logger(),
	}, nil
}

// changesResponse is the body of a _changes request.
type changesResponse struct {
	Results []changeRow     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

type changeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Doc     *lotDocument    `json:"doc"`
}

// lotDocument is the subset of a lot document the concierge reads.
type lotDocument struct {
	ID      string   `json:"_id"`
	Rev     string   `json:"_rev"`
	DocType string   `json:"doc_type"`
	Status  string   `json:"status"`
	Assets  []string `json:"assets"`
	LotID   string   `json:"lotID"`
}

// Poll returns the changes after since. An empty since starts from the
// beginning of the feed.
func (f *CouchFeed) Poll(ctx context.Context, since string) (*engine.ChangeBatch, error) {
	if since == "" {
		since = "0"
	}

	q := url.Values{}
	q.Set("include_docs", "true")
	q.Set("since", since)
	q.Set("limit", strconv.Itoa(f.cfg.Limit))
	q.Set("filter", f.cfg.Filter)

	var resp changesResponse
	if err := f.doJSON(ctx, http.MethodGet, f.dbURL+"/_changes?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get lots from feed: %w", err)
	}

	batch := &engine.ChangeBatch{
		Events:     make([]engine.ChangeEvent, 0, len(resp.Results)),
		NextCursor: seqString(resp.LastSeq),
		More:       len(resp.Results) >= f.cfg.Limit,
	}
	if batch.NextCursor == "" {
		batch.NextCursor = since
	}

	for _, row := range resp.Results {
		if row.Deleted || row.Doc == nil || strings.HasPrefix(row.ID, "_design/") {
			continue
		}

		lot := engine.Lot{
			ID:       row.Doc.ID,
			Revision: row.Doc.Rev,
			Status:   engine.LotStatus(row.Doc.Status),
			Assets:   row.Doc.Assets,
			LotID:    row.Doc.LotID,
		}
		if err := f.validate.Struct(lot); err != nil {
			f.logger.Warn().Err(err).Str("doc_id", row.ID).Msg("Skipping malformed lot document")
			continue
		}

		batch.Events = append(batch.Events, engine.ChangeEvent{
			Seq: seqString(row.Seq),
			Lot: lot,
		})
	}

	return batch, nil
}

// EnsureDatabase creates the database when it does not exist.
func (f *CouchFeed) EnsureDatabase(ctx context.Context) error {
	status, err := f.do(ctx, http.MethodHead, f.dbURL, nil, nil)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("database error: unexpected status %d", status)
	}

	status, err = f.do(ctx, http.MethodPut, f.dbURL, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
		f.logger.Info().Str("database", f.cfg.Database).Msg("Database ready")
		return nil
	default:
		return fmt.Errorf("failed to create database: unexpected status %d", status)
	}
}

// DesignDocument holds the filter and view used by the concierge.
type DesignDocument struct {
	ID       string            `json:"_id"`
	Rev      string            `json:"_rev,omitempty"`
	Language string            `json:"language"`
	Filters  map[string]string `json:"filters"`
	Views    map[string]View   `json:"views"`
	Options  map[string]any    `json:"options,omitempty"`
}

// View is a CouchDB map view.
type View struct {
	Map string `json:"map"`
}

// BuildDesign returns the design document that selects lots in the given
// statuses.
func BuildDesign(statuses []engine.LotStatus) DesignDocument {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = strconv.Quote(string(s))
	}
	list := "[" + strings.Join(quoted, ", ") + "]"

	filter := fmt.Sprintf(`function(doc, req) {
    var statuses = %s;
    return doc.doc_type == 'Lot' && statuses.indexOf(doc.status) != -1;
}`, list)

	mapFn := fmt.Sprintf(`function(doc) {
    var statuses = %s;
    if (doc.doc_type == 'Lot' && statuses.indexOf(doc.status) != -1) {
        emit(doc._local_seq, {id: doc._id, status: doc.status, assets: doc.assets});
    }
}`, list)

	return DesignDocument{
		ID:       designID,
		Language: "javascript",
		Filters:  map[string]string{"status": filter},
		Views:    map[string]View{"check_lot": {Map: mapFn}},
		Options:  map[string]any{"local_seq": true},
	}
}

// SyncDesign installs or updates the design document. It is a no-op when
// the stored document already matches.
func (f *CouchFeed) SyncDesign(ctx context.Context, statuses []engine.LotStatus) error {
	want := BuildDesign(statuses)

	var current DesignDocument
	err := f.doJSON(ctx, http.MethodGet, f.dbURL+"/"+designID, nil, &current)
	switch {
	case err == nil:
		if sameDesign(current, want) {
			return nil
		}
		want.Rev = current.Rev
	case errors.Is(err, errNotFound):
	default:
		return fmt.Errorf("failed to read design document: %w", err)
	}

	if err := f.doJSON(ctx, http.MethodPut, f.dbURL+"/"+designID, want, nil); err != nil {
		return fmt.Errorf("failed to save design document: %w", err)
	}
	f.logger.Info().Str("design", designID).Msg("Design document synced")
	return nil
}

func sameDesign(a, b DesignDocument) bool {
	if len(a.Filters) != len(b.Filters) || len(a.Views) != len(b.Views) {
		return false
	}
	for k, v := range b.Filters {
		if a.Filters[k] != v {
			return false
		}
	}
	for k, v := range b.Views {
		if a.Views[k] != v {
			return false
		}
	}
	return true
}

var errNotFound = errors.New("not found")

// doJSON sends a JSON request and decodes a 2xx response into out.
func (f *CouchFeed) doJSON(ctx context.Context, method, target string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	status, err := f.do(ctx, method, target, payload, out)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return errNotFound
	case status < 200 || status > 299:
		return fmt.Errorf("unexpected status %d", status)
	}
	return nil
}

func (f *CouchFeed) do(ctx context.Context, method, target string, payload []byte, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.cfg.Login != "" && f.cfg.Password != "" {
		req.SetBasicAuth(f.cfg.Login, f.cfg.Password)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// seqString renders a CouchDB sequence, which is a number on 1.x servers and
// an opaque string on 2.x and later.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var _ engine.ChangeFeed = (*CouchFeed)(nil)
