package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type ctxKey int

const projectIDKey ctxKey = iota

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// waitFor bounds how long a page handler blocks on upstream data.
func (d *Dashboard) waitFor(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.config.LoadWait)
}

// ProjectID returns the project id captured by the route.
func ProjectID(ctx context.Context) string {
	id, _ := ctx.Value(projectIDKey).(string)
	return id
}
