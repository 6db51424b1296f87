package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

// dispatchOnce starts a keeper, sends one request, and shuts down.
func dispatchOnce(reqType string, payload any) (map[string]any, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := startKeeper(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}

	resp := k.Dispatch(ctx, dispatcher.Request{Type: reqType, Payload: raw})
	if !resp.Success {
		return nil, fmt.Errorf("%s", resp.Error)
	}

	data, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to render response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to render response: %w", err)
	}
	return out, nil
}

// mustRequest builds a request envelope; payload marshalling of the fixed
// map shapes used here cannot fail.
func mustRequest(reqType string, payload any) dispatcher.Request {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return dispatcher.Request{Type: reqType, Payload: raw}
}

// printJSON pretty-prints a response payload to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
