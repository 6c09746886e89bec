// Package httpstore implements remote.Store against a Dropbox-v2-shaped
// HTTP API.
//
// Endpoints used:
//
//	POST {content}/2/files/download                      body: none, arg header
//	POST {content}/2/files/upload                        mode=update(rev)|overwrite, autorename
//	POST {api}/2/files/list_folder/get_latest_cursor
//	POST {api}/2/files/list_folder/continue
//	POST {notify}/2/files/list_folder/longpoll           unauthenticated
//
// A stale update is stored by the server under a renamed path
// (autorename); the path in the upload response tells us where it went.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/metrics"
	"github.com/todosync/todosync/internal/remote"
)

// Default endpoints of the hosted service.
const (
	DefaultAPIURL     = "https://api.dropboxapi.com"
	DefaultContentURL = "https://content.dropboxapi.com"
	DefaultNotifyURL  = "https://notify.dropboxapi.com"
)

// Server-side bounds of the longpoll timeout, in seconds.
const (
	minPollSeconds = 30
	maxPollSeconds = 480
)

// pollSlack is added to the longpoll request deadline so the server's own
// timeout fires first.
const pollSlack = 30 * time.Second

// Config configures a Store.
type Config struct {
	APIURL     string
	ContentURL string
	NotifyURL  string

	// Folder scopes the change feed, "" for the account root.
	Folder string

	// Token returns the bearer token for each request.
	Token func() string

	// HTTPClient (default: a client without an overall timeout; every
	// request carries a context deadline instead).
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Store is the HTTP remote store.
type Store struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Store, error) {
	if cfg.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.ContentURL == "" {
		cfg.ContentURL = DefaultContentURL
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = DefaultNotifyURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.ContentURL = strings.TrimRight(cfg.ContentURL, "/")
	cfg.NotifyURL = strings.TrimRight(cfg.NotifyURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{config: cfg, client: cfg.HTTPClient, logger: cfg.Logger.Named("httpstore")}, nil
}

// Wire types.

type fileMetadata struct {
	Tag         string `json:".tag,omitempty"`
	PathDisplay string `json:"path_display"`
	Rev         string `json:"rev"`
}

type writeMode struct {
	Tag    string `json:".tag"`
	Update string `json:"update,omitempty"`
}

type uploadArg struct {
	Path       string    `json:"path"`
	Mode       writeMode `json:"mode"`
	Autorename bool      `json:"autorename"`
	Mute       bool      `json:"mute"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

type cursorResult struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []fileMetadata `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

type longpollResult struct {
	Changes bool `json:"changes"`
	Backoff int  `json:"backoff"`
}

func observe(op string, start time.Time, err error) {
	metrics.RecordRemoteOp("http", op, time.Since(start), err == nil)
}

// FetchFile implements remote.Store.
func (s *Store) FetchFile(ctx context.Context, p string) (f remote.File, err error) {
	defer func(start time.Time) { observe("fetch_file", start, err) }(time.Now())

	arg, err := json.Marshal(map[string]string{"path": p})
	if err != nil {
		return remote.File{}, remote.NewError("fetch_file", p, remote.KindMalformed, err)
	}
	resp, err := s.do(ctx, "fetch_file", p, s.config.ContentURL+"/2/files/download", true, string(arg), "", nil)
	if err != nil {
		return remote.File{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.File{}, remote.Wrap("fetch_file", p, err)
	}
	var meta fileMetadata
	if err := json.Unmarshal([]byte(resp.Header.Get("Dropbox-API-Result")), &meta); err != nil {
		return remote.File{}, remote.NewError("fetch_file", p, remote.KindMalformed, fmt.Errorf("bad result header: %w", err))
	}
	path := meta.PathDisplay
	if path == "" {
		path = p
	}
	return remote.File{Path: path, Revision: meta.Rev, Contents: string(body)}, nil
}

// PutFile implements remote.Store.
func (s *Store) PutFile(ctx context.Context, p, contents, expectedRevision string) (f remote.File, err error) {
	defer func(start time.Time) { observe("put_file", start, err) }(time.Now())

	mode := writeMode{Tag: "overwrite"}
	if expectedRevision != "" {
		mode = writeMode{Tag: "update", Update: expectedRevision}
	}
	arg, err := json.Marshal(uploadArg{Path: p, Mode: mode, Autorename: true, Mute: true})
	if err != nil {
		return remote.File{}, remote.NewError("put_file", p, remote.KindMalformed, err)
	}

	resp, err := s.do(ctx, "put_file", p, s.config.ContentURL+"/2/files/upload", true,
		string(arg), "application/octet-stream", strings.NewReader(contents))
	if err != nil {
		return remote.File{}, err
	}
	defer resp.Body.Close()

	var meta fileMetadata
	if err := decode(resp.Body, &meta); err != nil {
		return remote.File{}, remote.NewError("put_file", p, remote.KindMalformed, err)
	}
	if meta.PathDisplay == "" {
		meta.PathDisplay = p
	}
	if !strings.EqualFold(meta.PathDisplay, p) {
		s.logger.Info("upload was renamed by the server",
			zap.String("path", p),
			zap.String("stored_as", meta.PathDisplay),
		)
	}
	return remote.File{Path: meta.PathDisplay, Revision: meta.Rev}, nil
}

// LatestCursor implements remote.Store.
func (s *Store) LatestCursor(ctx context.Context) (c remote.Cursor, err error) {
	defer func(start time.Time) { observe("latest_cursor", start, err) }(time.Now())

	var out cursorResult
	err = s.rpc(ctx, "latest_cursor", s.config.APIURL+"/2/files/list_folder/get_latest_cursor", true,
		map[string]any{"path": s.config.Folder, "recursive": false, "include_deleted": true}, &out)
	if err != nil {
		return "", err
	}
	return remote.Cursor(out.Cursor), nil
}

// LongPoll implements remote.Store. timeout is clamped to what the server
// accepts.
func (s *Store) LongPoll(ctx context.Context, cursor remote.Cursor, timeout time.Duration) (res remote.PollResult, err error) {
	defer func(start time.Time) { observe("longpoll", start, err) }(time.Now())

	secs := int(timeout / time.Second)
	secs = max(minPollSeconds, min(maxPollSeconds, secs))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+pollSlack)
	defer cancel()

	var out longpollResult
	err = s.rpc(ctx, "longpoll", s.config.NotifyURL+"/2/files/list_folder/longpoll", false,
		map[string]any{"cursor": string(cursor), "timeout": secs}, &out)
	if err != nil {
		return remote.PollResult{}, err
	}
	return remote.PollResult{
		Changed: out.Changes,
		Backoff: time.Duration(out.Backoff) * time.Second,
	}, nil
}

// ListChangesSince implements remote.Store. It follows has_more until the
// batch is complete.
func (s *Store) ListChangesSince(ctx context.Context, cursor remote.Cursor) (next remote.Cursor, changes []remote.Change, err error) {
	defer func(start time.Time) { observe("list_changes", start, err) }(time.Now())

	current := string(cursor)
	for {
		var out listFolderResult
		err := s.rpc(ctx, "list_changes", s.config.APIURL+"/2/files/list_folder/continue", true,
			map[string]any{"cursor": current}, &out)
		if err != nil {
			return "", nil, err
		}
		for _, e := range out.Entries {
			switch e.Tag {
			case "file":
				changes = append(changes, remote.Change{Path: e.PathDisplay, Revision: e.Rev})
			case "deleted":
				changes = append(changes, remote.Change{Path: e.PathDisplay, Deleted: true})
			}
		}
		current = out.Cursor
		if !out.HasMore {
			return remote.Cursor(current), changes, nil
		}
	}
}

// rpc posts a JSON body and decodes a JSON response.
func (s *Store) rpc(ctx context.Context, op, url string, authed bool, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return remote.NewError(op, "", remote.KindMalformed, err)
	}
	resp, err := s.do(ctx, op, "", url, authed, "", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decode(resp.Body, out); err != nil {
		return remote.NewError(op, "", remote.KindMalformed, err)
	}
	return nil
}

// do sends a POST and maps non-2xx responses to remote errors. On success
// the caller owns resp.Body.
func (s *Store) do(ctx context.Context, op, p, url string, authed bool, apiArg, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, remote.NewError(op, p, remote.KindMalformed, err)
	}
	if authed {
		token := s.config.Token()
		if token == "" {
			return nil, remote.NewError(op, p, remote.KindAuth, nil)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if apiArg != "" {
		req.Header.Set("Dropbox-API-Arg", apiArg)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, remote.Wrap(op, p, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(op, p, resp)
}

// statusError classifies a failed response.
func statusError(op, p string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ae apiError
	_ = json.Unmarshal(data, &ae)
	summary := ae.ErrorSummary
	if summary == "" {
		summary = strings.TrimSpace(string(data))
	}
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, summary)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return remote.NewError(op, p, remote.KindAuth, cause)
	case resp.StatusCode == http.StatusConflict && strings.Contains(summary, "not_found"):
		return remote.NewError(op, p, remote.KindNotFound, cause)
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusBadRequest:
		return remote.NewError(op, p, remote.KindMalformed, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				cause = fmt.Errorf("%w (retry after %ds)", cause, secs)
			}
		}
		return remote.NewError(op, p, remote.KindNetwork, cause)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return remote.NewError(op, p, remote.KindTimeout, cause)
	default:
		return remote.NewError(op, p, remote.KindNetwork, cause)
	}
}

func decode(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ remote.Store = (*Store)(nil)
