// Package modresolver batch-resolves CurseForge (project_id, file_id) pairs
// into concrete download URLs through the POST /v1/mods/files endpoint,
// classifying each pair as downloadable, restricted, or missing.
package modresolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"instanceforge/internal/elog"
	"instanceforge/internal/engineerr"
	"instanceforge/pkg/types"
)

const (
	filesEndpoint = "https://api.curseforge.com/v1/mods/files"
	batchSize     = 50
	maxInFlight   = 4
)

// Pair identifies one CurseForge file to resolve. Required carries the
// manifest's required flag through resolution so download failures of
// optional files never abort a whole operation.
type Pair struct {
	ProjectID int64
	FileID    int64
	Required  bool
}

// Resolution is the outcome of resolving one Pair.
type Resolution struct {
	Pair     Pair
	URL      string
	FileName string
	Hash     string // SHA1, when the registry reports one
	Status   ResolveStatus
}

// ResolveStatus classifies a single resolution.
type ResolveStatus string

const (
	StatusOK         ResolveStatus = "ok"
	StatusMissing    ResolveStatus = "missing"
	StatusRestricted ResolveStatus = "restricted"
)

// Client resolves batches of Pairs against the CurseForge mods API.
type Client struct {
	APIKey     string
	HTTPClient *http.Client
	Log        *elog.Logger
}

// NewClient builds a Client. apiKey may be empty only in tests that stub
// HTTPClient's transport; a live registry call without a key returns
// CurseforgeUnauthorized.
func NewClient(apiKey string, log *elog.Logger) *Client {
	return &Client{
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		Log:        log,
	}
}

// Resolve resolves every pair, batching up to batchSize per request and
// running up to maxInFlight batches concurrently.
func (c *Client) Resolve(ctx context.Context, pairs []Pair) ([]Resolution, error) {
	batches := chunkPairs(pairs, batchSize)

	results := make([][]Resolution, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			res, err := c.resolveBatch(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Resolution
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

type filesRequest struct {
	FileIDs []int64 `json:"fileIds"`
}

type fileData struct {
	ID          int64  `json:"id"`
	ModID       int64  `json:"modId"`
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
	Hashes      []struct {
		Value     string `json:"value"`
		Algorithm int    `json:"algo"`
	} `json:"hashes"`
}

type filesResponse struct {
	Data []fileData `json:"data"`
}

// resolveBatch requests one page of file IDs and cross-checks the response
// against what was requested: any requested file_id absent from the
// response is Missing.
func (c *Client) resolveBatch(ctx context.Context, batch []Pair) ([]Resolution, error) {
	ids := make([]int64, len(batch))
	byID := make(map[int64]Pair, len(batch))
	for i, p := range batch {
		ids[i] = p.FileID
		byID[p.FileID] = p
	}

	body, err := json.Marshal(filesRequest{FileIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("modresolver: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, filesEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("modresolver: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, engineerr.New(engineerr.RegistryNetwork, "mods/files request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, engineerr.New(engineerr.CurseforgeUnauthorized, "missing or invalid CurseForge API key", nil)
	case http.StatusForbidden:
		return nil, engineerr.New(engineerr.CurseforgeForbidden, "CurseForge API key lacks access", nil)
	default:
		if resp.StatusCode >= 500 {
			return nil, engineerr.New(engineerr.RegistryNetwork, fmt.Sprintf("mods/files returned %d", resp.StatusCode), nil)
		}
	}

	var parsed filesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, engineerr.New(engineerr.RegistryNetwork, "decoding mods/files response", err)
	}

	seen := make(map[int64]bool, len(parsed.Data))
	var out []Resolution
	for _, fd := range parsed.Data {
		pair, ok := byID[fd.ID]
		if !ok {
			continue // response included a file we didn't ask about; ignore
		}
		seen[fd.ID] = true
		out = append(out, classify(pair, fd))
	}

	for _, p := range batch {
		if !seen[p.FileID] {
			out = append(out, Resolution{Pair: p, Status: StatusMissing})
			if c.Log != nil {
				c.Log.Warn("curseforge file missing from response", "project_id", p.ProjectID, "file_id", p.FileID)
			}
		}
	}

	return out, nil
}

func classify(pair Pair, fd fileData) Resolution {
	if fd.DownloadURL == "" {
		return Resolution{Pair: pair, FileName: fd.FileName, Status: StatusRestricted}
	}
	return Resolution{
		Pair:     pair,
		URL:      fd.DownloadURL,
		FileName: fd.FileName,
		Hash:     bestSHA1(fd.Hashes),
		Status:   StatusOK,
	}
}

// bestSHA1 returns the SHA1 hash from a CurseForge hashes array; algorithm 1
// is SHA1 in the registry's enum.
func bestSHA1(hashes []struct {
	Value     string `json:"value"`
	Algorithm int    `json:"algo"`
}) string {
	for _, h := range hashes {
		if h.Algorithm == 1 {
			return h.Value
		}
	}
	return ""
}

func chunkPairs(pairs []Pair, size int) [][]Pair {
	var chunks [][]Pair
	for size < len(pairs) {
		pairs, chunks = pairs[size:], append(chunks, pairs[:size:size])
	}
	if len(pairs) > 0 {
		chunks = append(chunks, pairs)
	}
	return chunks
}

// ToResolvedFiles converts resolver output back into ResolvedFile entries,
// merging in target paths computed from the file name under mods/.
func ToResolvedFiles(resolutions []Resolution) ([]types.ResolvedFile, []types.FailedMod) {
	var files []types.ResolvedFile
	var failed []types.FailedMod
	for _, r := range resolutions {
		switch r.Status {
		case StatusOK:
			files = append(files, types.ResolvedFile{
				Kind:         types.KindMod,
				TargetPath:   filepath.ToSlash(filepath.Join("mods", r.FileName)),
				URL:          r.URL,
				ExpectedHash: r.Hash,
				HashAlgo:     types.HashSHA1,
				Required:     r.Pair.Required,
				SourceRef: types.ManifestFileRef{
					ProjectID: r.Pair.ProjectID,
					FileID:    r.Pair.FileID,
					Hash:      r.Hash,
					HashAlgo:  types.HashSHA1,
					Required:  r.Pair.Required,
				},
			})
		case StatusMissing:
			failed = append(failed, types.FailedMod{ProjectID: r.Pair.ProjectID, FileID: r.Pair.FileID, Reason: types.ReasonMissing})
		case StatusRestricted:
			failed = append(failed, types.FailedMod{ProjectID: r.Pair.ProjectID, FileID: r.Pair.FileID, FileName: r.FileName, Reason: types.ReasonRestricted})
		}
	}
	return files, failed
}
