package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseLine parses a proxy list entry. Accepted forms are ip:port:user:pass, ip:port and
// scheme://[user:pass@]host:port.
func ParseLine(line string) (Identity, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Identity{}, fmt.Errorf("parse proxy line: empty")
	}
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return Identity{}, fmt.Errorf("parse proxy url: %w", err)
		}
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return Identity{}, fmt.Errorf("parse proxy port %q: %w", u.Port(), err)
		}
		id := Identity{Scheme: u.Scheme, Host: u.Hostname(), Port: port}
		if u.User != nil {
			id.Username = u.User.Username()
			id.Password, _ = u.User.Password()
		}
		id.ID = id.Host + ":" + strconv.Itoa(port)
		return id, nil
	}

	parts := strings.Split(line, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Identity{}, fmt.Errorf("parse proxy line %q: want ip:port or ip:port:user:pass", line)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("parse proxy port %q: %w", parts[1], err)
	}
	id := Identity{Scheme: "http", Host: parts[0], Port: port}
	if len(parts) == 4 {
		id.Username, id.Password = parts[2], parts[3]
	}
	id.ID = id.Host + ":" + parts[1]
	return id, nil
}

// ParseList parses a newline separated proxy list, skipping blanks and # comments.
func ParseList(r io.Reader) ([]Identity, error) {
	var ids []Identity
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy list: %w", err)
	}
	return ids, nil
}

// TokenIdentity wraps a bearer token as an identity. The id is a digest so tokens never reach logs.
func TokenIdentity(token string) Identity {
	sum := sha256.Sum256([]byte(token))
	return Identity{ID: "token-" + hex.EncodeToString(sum[:4]), Token: token}
}

// StaticLoader serves a fixed list of proxy lines and tokens.
type StaticLoader struct {
	Lines  []string
	Tokens []string
}

// Load implements Loader.
func (l StaticLoader) Load(_ context.Context) ([]Identity, error) {
	ids := make([]Identity, 0, len(l.Lines)+len(l.Tokens))
	for _, line := range l.Lines {
		id, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	for _, token := range l.Tokens {
		if token = strings.TrimSpace(token); token != "" {
			ids = append(ids, TokenIdentity(token))
		}
	}
	return ids, nil
}

// FileLoader reads a proxy list from disk on every load.
type FileLoader struct {
	Path string
}

// Load implements Loader.
func (l FileLoader) Load(_ context.Context) ([]Identity, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return ParseList(bytes.NewReader(data))
}

// URLLoader downloads a proxy list from a provider endpoint.
type URLLoader struct {
	URL    string
	Client *http.Client
}

// Load implements Loader.
func (l URLLoader) Load(ctx context.Context) ([]Identity, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy list request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download proxy list: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download proxy list: unexpected status %d", resp.StatusCode)
	}
	return ParseList(resp.Body)
}
