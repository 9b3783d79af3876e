package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"
)

// ConflictError is returned when a patch's expected revision no longer
// matches the live one.
type ConflictError struct {
	ActualRev string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("config revision conflict, actual rev %s", e.ActualRev)
}

// PatchError is returned for malformed or forbidden patch operations,
// including any op that targets a secret path. Code is one of the
// machine-readable patch error codes below.
type PatchError struct {
	Code    string
	Message string
}

func (e *PatchError) Error() string { return e.Message }

// Codes carried by PatchError on the API surface.
const (
	CodeInvalidOp   = "INVALID_OP"
	CodeInvalidPath = "INVALID_PATH"
	CodeValidation  = "VALIDATION"
)

// PatchOp is one JSON Patch operation as accepted over the REST surface.
type PatchOp struct {
	Op    string          `json:"op"` // replace | add | remove
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchResult reports a successful patch.
type PatchResult struct {
	NewRev       string
	ChangedPaths []string
	// NeedsRestart lists mutated paths that only take effect after a process
	// restart. Empty when every change was hot-applicable.
	NeedsRestart []string
}

// SecretStatus tells a client whether a secret is set without revealing it.
type SecretStatus struct {
	Path  string `json:"path"`
	IsSet bool   `json:"isSet"`
}

// Redacted is the read view returned over the API.
type Redacted struct {
	Config  *Config        `json:"config"`
	Rev     string         `json:"rev"`
	Secrets []SecretStatus `json:"secrets"`
}

// Store owns the config file. All writes are serialized through a single
// in-process writer lock so concurrent HTTP requests cannot interleave
// validate and write.
type Store struct {
	logger *zap.Logger
	path   string

	writeMu  sync.Mutex // the single-writer chain
	snapshot atomic.Pointer[Config]

	revMu  sync.Mutex
	revVal string // cached; empty means recompute
}

// NewStore creates a store for the given file path. Call Load before use.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger.Named("config"), path: path}
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Load reads the config file, writing defaults atomically if it is missing,
// and caches the validated snapshot.
func (s *Store) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := s.writeLocked(cfg); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		s.publish(cfg)
		s.logger.Info("wrote default config", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return err
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	s.publish(cfg)
	return nil
}

// Reload re-reads the file outside the normal patch flow, for externally
// edited files picked up by the watcher. Invalid files are rejected and the
// previous snapshot stays live.
func (s *Store) Reload() ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	prev := s.snapshot.Load()
	s.publish(cfg)
	return diffPaths(prev, cfg), nil
}

// Current returns the cached validated snapshot. Callers must treat it as
// immutable.
func (s *Store) Current() *Config {
	return s.snapshot.Load()
}

// Rev returns sha256(canonical bytes of the redacted snapshot). Secret
// mutations do not change it.
func (s *Store) Rev() string {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	if s.revVal == "" {
		s.revVal = computeRev(s.snapshot.Load())
	}
	return s.revVal
}

// GetRedacted returns the API read view: config with secrets stripped, the
// current rev, and per-path isSet flags.
func (s *Store) GetRedacted() *Redacted {
	cfg := s.snapshot.Load()
	set := secretsByPath(cfg)
	statuses := make([]SecretStatus, 0, len(SecretPaths))
	for _, p := range SecretPaths {
		statuses = append(statuses, SecretStatus{Path: p, IsSet: set[p] != ""})
	}
	return &Redacted{
		Config:  redact(cfg),
		Rev:     s.Rev(),
		Secrets: statuses,
	}
}

// Patch applies revision-gated JSON Patch ops. The ops run against the
// redacted view and the live secret maps are reattached afterwards, so a
// section replace can neither erase nor smuggle in secret values. Outcomes,
// in order: *ConflictError when expectedRev is stale, *PatchError when an op
// is malformed or targets a secret path, *ValidationError when the mutated
// document fails the schema, otherwise a PatchResult with the new rev and
// restart classification.
func (s *Store) Patch(ops []PatchOp, expectedRev string) (*PatchResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	actual := s.revLocked()
	if expectedRev != actual {
		return nil, &ConflictError{ActualRev: actual}
	}

	var changed []string
	for _, op := range ops {
		switch op.Op {
		case "replace", "add", "remove":
		default:
			return nil, &PatchError{Code: CodeInvalidOp, Message: fmt.Sprintf("unsupported op %q", op.Op)}
		}
		if op.Path == "" || !strings.HasPrefix(op.Path, "/") {
			return nil, &PatchError{Code: CodeInvalidPath, Message: fmt.Sprintf("invalid path %q", op.Path)}
		}
		if TargetsSecrets(op.Path) {
			return nil, &PatchError{Code: CodeInvalidPath, Message: fmt.Sprintf("path %s targets a secret; use the secrets endpoint", op.Path)}
		}
		changed = append(changed, op.Path)
	}

	cur := s.snapshot.Load()
	curBytes, err := json.Marshal(redact(cur))
	if err != nil {
		return nil, fmt.Errorf("marshal current config: %w", err)
	}
	opsBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal ops: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(opsBytes)
	if err != nil {
		return nil, &PatchError{Code: CodeInvalidOp, Message: err.Error()}
	}
	mutated, err := patch.ApplyWithOptions(curBytes, &jsonpatch.ApplyOptions{
		EnsurePathExistsOnAdd:    true,
		AllowMissingPathOnRemove: false,
	})
	if err != nil {
		return nil, &PatchError{Code: CodeInvalidPath, Message: err.Error()}
	}

	next := new(Config)
	if err := json.Unmarshal(mutated, next); err != nil {
		return nil, &PatchError{Code: CodeValidation, Message: fmt.Sprintf("mutated document is not a config: %v", err)}
	}
	attachSecrets(next, cur)
	if err := Validate(next); err != nil {
		return nil, err
	}

	if err := s.writeLocked(next); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	s.publish(next)

	res := &PatchResult{
		NewRev:       s.revLocked(),
		ChangedPaths: changed,
		NeedsRestart: RestartFields(changed),
	}
	s.logger.Info("config patched",
		zap.Strings("paths", changed),
		zap.String("rev", res.NewRev),
		zap.Int("needs_restart", len(res.NeedsRestart)))
	return res, nil
}

// SetSecret writes a secret value. Only known secret paths are accepted; the
// revision is unaffected because secrets are excluded from it.
func (s *Store) SetSecret(path, value string) error {
	return s.mutateSecret(path, value, true)
}

// UnsetSecret removes a secret value.
func (s *Store) UnsetSecret(path string) error {
	return s.mutateSecret(path, "", false)
}

func (s *Store) mutateSecret(path, value string, set bool) error {
	if !IsSecretPath(path) {
		return &PatchError{Code: CodeInvalidPath, Message: fmt.Sprintf("%s is not a known secret path", path)}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := clone(s.snapshot.Load())
	idx := strings.LastIndex(path, "/")
	prefix, key := path[:idx], path[idx+1:]

	var m map[string]string
	switch prefix {
	case "/ai/secrets":
		m = next.AI.Secrets
	case "/tools/secrets":
		m = next.Tools.Secrets
	case "/channels/telegram/secrets":
		m = next.Channels.Telegram.Secrets
	case "/stt/secrets":
		m = next.STT.Secrets
	default:
		return &PatchError{Code: CodeInvalidPath, Message: fmt.Sprintf("%s is not a known secret path", path)}
	}
	if set {
		m[key] = value
	} else {
		delete(m, key)
	}

	if err := s.writeLocked(next); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s.publish(next)
	return nil
}

// Secret returns the value at a known secret path, or "" when unset.
func (s *Store) Secret(path string) string {
	return secretsByPath(s.snapshot.Load())[path]
}

// publish swaps the snapshot pointer and invalidates the cached rev.
func (s *Store) publish(cfg *Config) {
	s.snapshot.Store(cfg)
	s.revMu.Lock()
	s.revVal = ""
	s.revMu.Unlock()
}

func (s *Store) revLocked() string {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	if s.revVal == "" {
		s.revVal = computeRev(s.snapshot.Load())
	}
	return s.revVal
}

// writeLocked writes cfg atomically: a sibling temp file then a rename over
// the target. Callers hold writeMu.
func (s *Store) writeLocked(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp-%d-%04d", s.path, time.Now().UnixMilli(), rand.Intn(10000))
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// parse accepts the permissive on-disk form (comments, trailing commas) and
// decodes it into a Config.
func parse(data []byte) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := new(Config)
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// computeRev hashes the canonical serialization of the redacted snapshot.
// Canonical means sorted object keys and stable number formatting, both of
// which encoding/json provides for map documents.
func computeRev(cfg *Config) string {
	canon, err := canonicalRedactedBytes(cfg)
	if err != nil {
		// Config round-trips through JSON by construction; failure here is a bug.
		panic(fmt.Sprintf("config: canonicalize: %v", err))
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func canonicalRedactedBytes(cfg *Config) ([]byte, error) {
	raw, err := json.Marshal(redact(cfg))
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// redact returns a deep copy with every secret value removed.
func redact(cfg *Config) *Config {
	c := clone(cfg)
	c.AI.Secrets = map[string]string{}
	c.Tools.Secrets = map[string]string{}
	c.Channels.Telegram.Secrets = map[string]string{}
	c.STT.Secrets = map[string]string{}
	return c
}

// attachSecrets copies the live secret maps from src onto dst. dst came out
// of a patch over the redacted view, so whatever a patch value carried under
// a secrets key is discarded here.
func attachSecrets(dst, src *Config) {
	dst.AI.Secrets = copyStringMap(src.AI.Secrets)
	dst.Tools.Secrets = copyStringMap(src.Tools.Secrets)
	dst.Channels.Telegram.Secrets = copyStringMap(src.Channels.Telegram.Secrets)
	dst.STT.Secrets = copyStringMap(src.STT.Secrets)
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone deep-copies via the JSON round trip; Config is a plain data document.
func clone(cfg *Config) *Config {
	raw, err := json.Marshal(cfg)
	if err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	out := new(Config)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	return out
}

// diffPaths returns the top-level section pointers that differ between two
// snapshots. Used by the file watcher to drive hot swaps after external edits.
func diffPaths(a, b *Config) []string {
	if a == nil {
		return []string{"/"}
	}
	am, bm := toMap(a), toMap(b)
	var out []string
	for _, k := range sortedKeys(am) {
		ab, _ := json.Marshal(am[k])
		bb, _ := json.Marshal(bm[k])
		if string(ab) != string(bb) {
			out = append(out, "/"+k)
		}
	}
	return out
}

func toMap(cfg *Config) map[string]any {
	raw, _ := json.Marshal(cfg)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
