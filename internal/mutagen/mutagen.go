// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

// Package mutagen implements §4.O: forwarding a client's mutation batch
// to the application's configured push endpoint over HTTP, and demuxing
// the per-mutation results the endpoint reports back.
package mutagen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"golang.org/x/time/rate"
)

// Error is the class of all mutagen errors.
var Error = errs.Class("mutagen")

// InvalidPush is a connection-level error: the endpoint reported a batch
// out of order, or a push/schema version it does not understand.
var InvalidPush = errs.Class("invalid push")

// AuthInvalidated is a connection-level error: the endpoint responded
// 401, meaning the client's credentials are no longer valid.
var AuthInvalidated = errs.Class("auth invalidated")

// Outcome is the per-mutation classification §4.O names.
type Outcome string

const (
	OutcomeOK                    Outcome = "ok"
	OutcomeAppError              Outcome = "app-error"
	OutcomeOutOfOrder            Outcome = "ooo"
	OutcomeUnsupportedPushVer    Outcome = "unsupported-push-version"
	OutcomeUnsupportedSchemaVer  Outcome = "unsupported-schema-version"
	OutcomeHTTP                  Outcome = "http"
	OutcomeNetwork               Outcome = "network"
	OutcomeAuth                  Outcome = "auth"
)

// Mutation is one client mutation awaiting a push result.
type Mutation struct {
	ClientID string          `json:"clientID"`
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

// Batch is one client's outstanding mutations, in mutation-ID order.
type Batch struct {
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion"`
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
}

// Result is one mutation's outcome, to be folded back into the CVR
// client's lastMutationID / error state.
type Result struct {
	ClientID     string
	MutationID   int64
	Outcome      Outcome
	ErrorMessage string
}

// pushResponse is the wire shape the application's push endpoint returns.
type pushResponse struct {
	Mutations []struct {
		ID      int64  `json:"id"`
		Result  string `json:"result"`
		Error   string `json:"error"`
		Details string `json:"details"`
	} `json:"mutations"`
}

// Pusher forwards batches to one configured HTTP endpoint, with a shared
// rate limiter across every client group (a pool of workers per §5
// "a pool of workers for the pusher/mutagen" draws from the same client).
type Pusher struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// New creates a Pusher posting batches to endpoint, limited to rps
// requests/sec with burst as the allowed burst size.
func New(endpoint string, rps float64, burst int) *Pusher {
	return &Pusher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Push forwards b and returns its per-mutation results. A non-nil error
// is always one of InvalidPush or AuthInvalidated and means the entire
// connection must be torn down; per-mutation application errors are
// reported in the returned results instead.
func (p *Pusher) Push(ctx context.Context, b Batch) ([]Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, Error.Wrap(err)
	}

	body, err := json.Marshal(b)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return networkFailure(b), nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, AuthInvalidated.New("push endpoint returned 401 for client group %s", b.ClientGroupID)
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, InvalidPush.New("push endpoint reported out-of-order batch for client group %s", b.ClientGroupID)
	}
	if resp.StatusCode == http.StatusUpgradeRequired {
		return nil, InvalidPush.New("push endpoint rejected pushVersion %d for client group %s", b.PushVersion, b.ClientGroupID)
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil, InvalidPush.New("push endpoint rejected schemaVersion %s for client group %s", b.SchemaVersion, b.ClientGroupID)
	}
	if resp.StatusCode/100 != 2 {
		return httpFailure(b, resp.StatusCode), nil
	}

	var parsed pushResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkFailure(b), nil
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return httpFailure(b, resp.StatusCode), nil
	}

	byID := make(map[int64]Result, len(parsed.Mutations))
	for _, m := range parsed.Mutations {
		byID[m.ID] = Result{
			ClientID:     b.ClientGroupID,
			MutationID:   m.ID,
			Outcome:      classify(m.Result),
			ErrorMessage: errorMessage(m.Error, m.Details),
		}
	}

	out := make([]Result, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		if r, ok := byID[m.ID]; ok {
			r.ClientID = m.ClientID
			out = append(out, r)
			continue
		}
		out = append(out, Result{ClientID: m.ClientID, MutationID: m.ID, Outcome: OutcomeNetwork, ErrorMessage: "no result returned for mutation"})
	}
	return out, nil
}

func classify(result string) Outcome {
	switch Outcome(result) {
	case OutcomeOK, OutcomeAppError:
		return Outcome(result)
	default:
		return OutcomeAppError
	}
}

func errorMessage(msg, details string) string {
	if msg == "" {
		return details
	}
	if details == "" {
		return msg
	}
	return msg + ": " + details
}

func networkFailure(b Batch) []Result {
	out := make([]Result, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		out = append(out, Result{ClientID: m.ClientID, MutationID: m.ID, Outcome: OutcomeNetwork})
	}
	return out
}

func httpFailure(b Batch, status int) []Result {
	out := make([]Result, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		out = append(out, Result{ClientID: m.ClientID, MutationID: m.ID, Outcome: OutcomeHTTP, ErrorMessage: http.StatusText(status)})
	}
	return out
}
