package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-resty/resty/v2"

	"github.com/tonimelisma/stagesync/internal/sync"
)

const defaultClientTimeout = 2 * time.Minute

// ErrUnreachable is returned when no daemon answers at the configured
// address.
var ErrUnreachable = errors.New("admin: daemon unreachable")

// ErrRejected is returned when the daemon refuses a request in its current
// state, such as pausing an idle worker.
var ErrRejected = errors.New("admin: request rejected")

// ControlError carries the daemon's ControlResult for a rejected worker
// command. It matches ErrRejected.
type ControlError struct {
	Result sync.ControlResult
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Result.State, e.Result.Message)
}

func (e *ControlError) Is(target error) bool {
	return target == ErrRejected
}

// Client talks to a running daemon's admin API.
type Client struct {
	baseURL string
	http    *resty.Client

	// long serves requests that wait for a whole reconciliation pass. It
	// has no client timeout; only the request context bounds it.
	long *resty.Client
}

// NewClient returns a Client for the daemon listening on addr
// ("host:port" or a full http:// URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	base = strings.TrimRight(base, "/")

	return &Client{
		baseURL: base,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(defaultClientTimeout).
			SetHeader("Accept", "application/json"),
		long: resty.New().
			SetBaseURL(base).
			SetHeader("Accept", "application/json"),
	}
}

// Status fetches the engine status.
func (c *Client) Status(ctx context.Context) (sync.EngineStatus, error) {
	var st sync.EngineStatus

	resp, err := c.http.R().SetContext(ctx).SetResult(&st).Get("/api/v1/status")
	if err != nil {
		return st, fmt.Errorf("%w: status request: %w", ErrUnreachable, err)
	}

	return st, mapHTTPError(resp)
}

// PendingRecords fetches one page of pending records.
func (c *Client) PendingRecords(ctx context.Context, page, size int) (sync.RecordPage, error) {
	var result sync.RecordPage

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("size", strconv.Itoa(size)).
		SetResult(&result).
		Get("/api/v1/records/pending")
	if err != nil {
		return result, fmt.Errorf("%w: pending records request: %w", ErrUnreachable, err)
	}

	return result, mapHTTPError(resp)
}

// Worker sends a start, pause, resume, or stop command. A rejection is
// returned as a *ControlError alongside the result.
func (c *Client) Worker(ctx context.Context, action string) (sync.ControlResult, error) {
	var res sync.ControlResult

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&res).
		SetError(&res).
		SetPathParam("action", action).
		Post("/api/v1/worker/{action}")
	if err != nil {
		return res, fmt.Errorf("%w: worker %s request: %w", ErrUnreachable, action, err)
	}

	if resp.StatusCode() == http.StatusConflict {
		return res, &ControlError{Result: res}
	}

	return res, mapHTTPError(resp)
}

// ConfirmDeletion confirms the given pending_deletion record ids.
func (c *Client) ConfirmDeletion(ctx context.Context, ids []int64) ([]sync.DeletionResult, error) {
	var out DeletionResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(DeletionRequest{IDs: ids}).
		SetResult(&out).
		Post("/api/v1/deletions")
	if err != nil {
		return nil, fmt.Errorf("%w: deletion request: %w", ErrUnreachable, err)
	}

	return out.Results, mapHTTPError(resp)
}

// Reconcile triggers a reconciliation and waits for its report.
func (c *Client) Reconcile(ctx context.Context) (sync.ReconcileReport, error) {
	var report sync.ReconcileReport

	resp, err := c.long.R().SetContext(ctx).SetResult(&report).Post("/api/v1/reconcile")
	if err != nil {
		return report, fmt.Errorf("%w: reconcile request: %w", ErrUnreachable, err)
	}

	return report, mapHTTPError(resp)
}

// WatchStatus subscribes to the status stream and calls fn for every
// snapshot until ctx is done, fn returns an error, or the daemon closes
// the stream. A cancelled ctx is not an error.
func (c *Client) WatchStatus(ctx context.Context, fn func(sync.EngineStatus) error) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/status/stream"

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: status stream: %w", ErrUnreachable, err)
	}
	defer conn.CloseNow()

	for {
		var st sync.EngineStatus
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if status := websocket.CloseStatus(err); status == websocket.StatusGoingAway || status == websocket.StatusNormalClosure {
				return nil
			}

			return fmt.Errorf("status stream: %w", err)
		}

		if err := fn(st); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

// mapHTTPError turns a non-2xx response into an error carrying the
// daemon's message.
func mapHTTPError(resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}

	var body errorResponse
	msg := strings.TrimSpace(string(resp.Body()))

	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}

	if resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	return fmt.Errorf("http %d: %s", resp.StatusCode(), msg)
}
