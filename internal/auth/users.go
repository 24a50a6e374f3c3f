package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

var (
	ErrNicknameTaken      = errors.New("nickname already exists")
	ErrNicknameTooShort   = errors.New("nickname must be at least 3 characters")
	ErrPasswordTooShort   = errors.New("password must be at least 6 characters")
	ErrInvalidCredentials = errors.New("invalid nickname or password")
	ErrUserNotFound       = errors.New("user not found")
)

const (
	minNicknameLen = 3
	minPasswordLen = 6

	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	argonSaltSize  = 16
)

// User is a registered account. PasswordHash is the encoded argon2id digest
// and never leaves this package except through the persisted file.
type User struct {
	ID           string    `json:"id"`
	Nickname     string    `json:"nick_name"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileStore keeps accounts in memory and mirrors every mutation to a JSON
// file so identities survive restarts.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	users map[string]User // keyed by lowercased nickname
	nowFn func() time.Time
}

type usersFile struct {
	Version int    `json:"version"`
	Users   []User `json:"users"`
}

// NewFileStore loads the account file at path, creating an empty store when
// the file does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		users: make(map[string]User),
		nowFn: time.Now,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read users file %s: %w", path, err)
	}

	var file usersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse users file %s: %w", path, err)
	}
	for _, u := range file.Users {
		s.users[strings.ToLower(u.Nickname)] = u
	}
	return s, nil
}

// Create registers a new account. Nicknames are unique case-insensitively.
func (s *FileStore) Create(nickname, password string) (User, error) {
	nickname = strings.TrimSpace(nickname)
	if len(nickname) < minNicknameLen {
		return User{}, ErrNicknameTooShort
	}
	if len(password) < minPasswordLen {
		return User{}, ErrPasswordTooShort
	}

	hash, err := hashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(nickname)
	if _, exists := s.users[key]; exists {
		return User{}, ErrNicknameTaken
	}

	user := User{
		ID:           uuid.NewString(),
		Nickname:     nickname,
		PasswordHash: hash,
		CreatedAt:    s.nowFn(),
	}
	s.users[key] = user
	if err := s.saveLocked(); err != nil {
		delete(s.users, key)
		return User{}, err
	}
	return user, nil
}

// Authenticate verifies nickname+password and returns the matching account.
func (s *FileStore) Authenticate(nickname, password string) (User, error) {
	s.mu.RLock()
	user, ok := s.users[strings.ToLower(strings.TrimSpace(nickname))]
	s.mu.RUnlock()

	if !ok || !verifyPassword(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ByID fetches an account by its stable identifier.
func (s *FileStore) ByID(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

// All lists every registered account sorted by creation time.
func (s *FileStore) All() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *FileStore) saveLocked() error {
	file := usersFile{Version: 1}
	for _, u := range s.users {
		file.Users = append(file.Users, u)
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create users dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
