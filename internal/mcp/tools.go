package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
	"github.com/Ilya37/kdbxkeeper/pkg/password"
	"github.com/Ilya37/kdbxkeeper/pkg/store"
	"github.com/Ilya37/kdbxkeeper/pkg/vault"
)

// EntryListInput is the input for entry_list.
type EntryListInput struct {
	GroupID string `json:"group_id,omitempty"`
	Search  string `json:"search,omitempty"`
}

// EntryInfo is one entry without secret material.
type EntryInfo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	UserName string   `json:"username,omitempty"`
	URL      string   `json:"url,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// EntryListOutput is the output for entry_list.
type EntryListOutput struct {
	Entries []EntryInfo `json:"entries"`
}

// EntryGetMaskedInput is the input for entry_get_masked.
type EntryGetMaskedInput struct {
	ID string `json:"id"`
}

// EntryGetMaskedOutput is the output for entry_get_masked.
type EntryGetMaskedOutput struct {
	Entry          EntryInfo `json:"entry"`
	MaskedPassword string    `json:"masked_password"`
	PasswordLength int       `json:"password_length"`
}

// EntriesForURLInput is the input for entries_for_url.
type EntriesForURLInput struct {
	URL string `json:"url"`
}

// StorageHealthOutput is the output for storage_health.
type StorageHealthOutput struct {
	Health store.HealthReport `json:"health"`
}

// GeneratePasswordInput is the input for generate_password.
type GeneratePasswordInput struct {
	Length           int  `json:"length,omitempty"`
	IncludeUppercase bool `json:"include_uppercase,omitempty"`
	IncludeLowercase bool `json:"include_lowercase,omitempty"`
	IncludeNumbers   bool `json:"include_numbers,omitempty"`
	IncludeSymbols   bool `json:"include_symbols,omitempty"`
	ExcludeAmbiguous bool `json:"exclude_ambiguous,omitempty"`
}

// GeneratePasswordOutput is the output for generate_password.
type GeneratePasswordOutput struct {
	Password string `json:"password"`
	Strength int    `json:"strength"`
}

// call routes a request through the dispatcher and decodes the data branch.
func (s *Server) call(ctx context.Context, reqType string, payload any, out any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("mcp: failed to marshal payload: %w", err)
		}
		raw = data
	}

	resp := s.keeper.Dispatch(ctx, dispatcher.Request{Type: reqType, Payload: raw})
	if !resp.Success {
		if resp.Error == dispatcher.ErrNotUnlockedSentinel {
			return fmt.Errorf("vault is locked; unlock it in the keeper first")
		}
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil {
		return nil
	}

	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("mcp: failed to re-encode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mcp: failed to decode response: %w", err)
	}
	return nil
}

func infoOf(v vault.EntryView) EntryInfo {
	return EntryInfo{
		ID:       v.ID,
		Title:    v.Title,
		UserName: v.UserName,
		URL:      v.URL,
		Tags:     v.Tags,
	}
}

// maskValue renders '****' plus the final two characters, collapsing
// entirely for short values.
func maskValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-2:]
}

func (s *Server) handleEntryList(ctx context.Context, _ *mcp.CallToolRequest, input EntryListInput) (*mcp.CallToolResult, EntryListOutput, error) {
	var data struct {
		Entries []vault.EntryView `json:"entries"`
	}
	err := s.call(ctx, dispatcher.ReqGetEntries, vault.ListOptions{GroupID: input.GroupID, Search: input.Search}, &data)
	if err != nil {
		return nil, EntryListOutput{}, err
	}

	out := EntryListOutput{Entries: make([]EntryInfo, 0, len(data.Entries))}
	for _, v := range data.Entries {
		out.Entries = append(out.Entries, infoOf(v))
	}
	return nil, out, nil
}

func (s *Server) handleEntryGetMasked(ctx context.Context, _ *mcp.CallToolRequest, input EntryGetMaskedInput) (*mcp.CallToolResult, EntryGetMaskedOutput, error) {
	var data struct {
		Entry vault.EntryView `json:"entry"`
	}
	if err := s.call(ctx, dispatcher.ReqGetEntry, map[string]string{"id": input.ID}, &data); err != nil {
		return nil, EntryGetMaskedOutput{}, err
	}

	return nil, EntryGetMaskedOutput{
		Entry:          infoOf(data.Entry),
		MaskedPassword: maskValue(data.Entry.Password),
		PasswordLength: len(data.Entry.Password),
	}, nil
}

func (s *Server) handleEntriesForURL(ctx context.Context, _ *mcp.CallToolRequest, input EntriesForURLInput) (*mcp.CallToolResult, EntryListOutput, error) {
	var data struct {
		Entries []vault.EntryView `json:"entries"`
	}
	if err := s.call(ctx, dispatcher.ReqGetEntriesForURL, map[string]string{"url": input.URL}, &data); err != nil {
		return nil, EntryListOutput{}, err
	}

	out := EntryListOutput{Entries: make([]EntryInfo, 0, len(data.Entries))}
	for _, v := range data.Entries {
		out.Entries = append(out.Entries, infoOf(v))
	}
	return nil, out, nil
}

func (s *Server) handleStorageHealth(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, StorageHealthOutput, error) {
	var out StorageHealthOutput
	if err := s.call(ctx, dispatcher.ReqGetStorageHealth, nil, &out); err != nil {
		return nil, StorageHealthOutput{}, err
	}
	return nil, out, nil
}

func (s *Server) handleGeneratePassword(ctx context.Context, _ *mcp.CallToolRequest, input GeneratePasswordInput) (*mcp.CallToolResult, GeneratePasswordOutput, error) {
	opts := password.DefaultOptions()
	if input.Length != 0 {
		opts = password.Options{
			Length:           input.Length,
			IncludeUpper:     input.IncludeUppercase,
			IncludeLower:     input.IncludeLowercase,
			IncludeDigits:    input.IncludeNumbers,
			IncludeSpecial:   input.IncludeSymbols,
			ExcludeAmbiguous: input.ExcludeAmbiguous,
		}
	}

	var out GeneratePasswordOutput
	if err := s.call(ctx, dispatcher.ReqGeneratePassword, opts, &out); err != nil {
		return nil, GeneratePasswordOutput{}, err
	}
	return nil, out, nil
}
