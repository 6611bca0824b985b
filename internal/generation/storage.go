package generation

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const maxResultBytes = 50 << 20

// FileStore downloads provider results into dir/<account>/ and serves them
// under <baseURL>/storage/.
type FileStore struct {
	dir     string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewFileStore(dir, baseURL string, client *http.Client) *FileStore {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

func (s *FileStore) Save(ctx context.Context, accountID, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading result: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading result: %w", err)
	}
	if len(data) > maxResultBytes {
		return "", fmt.Errorf("result exceeds %d bytes", maxResultBytes)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("result is %s, not an image", mt.String())
	}

	owner := ownerDir(accountID)
	userDir := filepath.Join(s.dir, owner)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("creating storage directory: %w", err)
	}

	name := fmt.Sprintf("%s_%d%s", uuid.New().String(), s.now().Unix(), mt.Extension())
	if err := os.WriteFile(filepath.Join(userDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing result: %w", err)
	}

	return s.baseURL + "/storage/" + owner + "/" + name, nil
}

// ownerDir maps an account id to a single path segment. The URL-safe base64
// alphabet has no separators or dots, and distinct ids stay distinct.
func ownerDir(accountID string) string {
	if accountID == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(accountID))
}
