package state

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loom-iac/loom/internal/eval"
	"github.com/loom-iac/loom/internal/ir"
)

// FileStore persists state as a PKL text file on local disk. Commits check
// the on-disk serial against the caller's copy, so two processes working
// from the same state cannot silently overwrite each other. If the state
// encryption key is set the file is transparently encrypted.
type FileStore struct {
	path      string
	evaluator *eval.Evaluator
	mu        sync.Mutex
}

func NewFileStore(path string, evaluator *eval.Evaluator) *FileStore {
	return &FileStore{
		path:      path,
		evaluator: evaluator,
	}
}

func (s *FileStore) Load(ctx context.Context) (*ir.State, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &ir.State{Version: 1, Serial: 0}, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	// The file amends a schema module living next to it; restore the
	// schema if it went missing (a copied state dir, a clean checkout).
	if err := ensureStateSchema(filepath.Dir(s.path)); err != nil {
		return nil, err
	}

	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
		// The PKL evaluator needs a plaintext file.
		tmpFile := s.path + ".dec"
		if err := os.WriteFile(tmpFile, decrypted, 0600); err != nil {
			return nil, fmt.Errorf("failed to write decrypted state: %w", err)
		}
		defer os.Remove(tmpFile)

		state, err := s.evaluator.LoadState(ctx, tmpFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load decrypted state: %w", err)
		}
		return state, nil
	}

	state, err := s.evaluator.LoadState(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", s.path, err)
	}
	return state, nil
}

func (s *FileStore) Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(state); err != nil {
		return err
	}
	upsertRecord(state, rec)
	state.Serial++
	return s.persist(state)
}

func (s *FileStore) Remove(ctx context.Context, state *ir.State, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(state); err != nil {
		return err
	}
	removeRecord(state, addr)
	state.Serial++
	return s.persist(state)
}

func (s *FileStore) WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGeneration(state); err != nil {
		return err
	}
	state.Outputs = outputs
	state.Serial++
	return s.persist(state)
}

// checkGeneration compares the caller's serial with the on-disk serial.
func (s *FileStore) checkGeneration(state *ir.State) error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if state.Serial != 0 {
			return ErrStaleState
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return fmt.Errorf("failed to decrypt state: %w", err)
		}
	}

	serial, ok := parseSerial(raw)
	if ok && serial != state.Serial {
		return ErrStaleState
	}
	return nil
}

func (s *FileStore) persist(state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := ensureStateSchema(filepath.Dir(s.path)); err != nil {
		return err
	}

	content := []byte(SerializeState(state))
	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	if err := os.WriteFile(s.path, encrypted, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	return nil
}

// Lock acquires a file lock on the state to prevent concurrent modifications.
func (s *FileStore) Lock(ctx context.Context) error {
	lockPath := s.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		// A lock older than 10 minutes is considered stale.
		if time.Since(info.ModTime()) > 10*time.Minute {
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("state is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// Unlock releases the state lock.
func (s *FileStore) Unlock(ctx context.Context) error {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

// parseSerial scans serialized state text for the serial line. Avoids a full
// PKL evaluation just to compare generations.
func parseSerial(content []byte) (int, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "serial ="); ok {
			serial, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return 0, false
			}
			return serial, true
		}
	}
	return 0, false
}
