package userauth

import (
	"errors"
	"io/ioutil"
	"runtime"
	"strings"

	"github.com/jameskeane/bcrypt"
	passlib "gopkg.in/hlandau/passlib.v1"
)

// ErrLocked is returned by Password when the store's Unlock has not
// yet been called (or failed), so no password is available to submit.
var ErrLocked = errors.New("userauth: password store is locked")

// LocalPasswordStore is a client-side cached-credential store: it
// holds the real password to submit to the server only once the
// caller has confirmed the user's identity against a local bcrypt
// hash, the same check the teacher's AuthUserByPasswd runs against
// /etc/xs.passwd — here gating a client-held secret instead of a
// server-held one.
type LocalPasswordStore struct {
	hash     string // bcrypt hash the unlock candidate must match
	password string // the actual credential sent to the server once unlocked
	unlocked bool
}

// NewLocalPasswordStore returns a store that releases password only
// after Unlock succeeds against localHash.
func NewLocalPasswordStore(localHash, password string) *LocalPasswordStore {
	return &LocalPasswordStore{hash: localHash, password: password}
}

// Unlock verifies candidate against the stored bcrypt hash, mirroring
// auth.go's bcrypt.Hash(auth, record[1]) comparison.
func (s *LocalPasswordStore) Unlock(candidate string) error {
	computed, err := bcrypt.Hash(candidate, s.hash)
	if err != nil {
		return err
	}
	if computed != s.hash {
		return errors.New("userauth: local unlock candidate did not match")
	}
	s.unlocked = true
	return nil
}

// Password implements PasswordProvider.
func (s *LocalPasswordStore) Password() (string, error) {
	if !s.unlocked {
		return "", ErrLocked
	}
	return s.password, nil
}

// ShadowPasswordStore is the system-shadow analogue of
// LocalPasswordStore, grounded on auth.go's VerifyPass: Unlock checks
// the candidate against the local system's /etc/shadow (or
// /etc/master.passwd on freebsd) entry for the named user via
// passlib, then releases password for submission.
type ShadowPasswordStore struct {
	username string
	password string
	unlocked bool
	reader   func(string) ([]byte, error)
}

// NewShadowPasswordStore returns a store gated on the local system's
// shadow entry for username.
func NewShadowPasswordStore(username, password string) *ShadowPasswordStore {
	return &ShadowPasswordStore{username: username, password: password, reader: ioutil.ReadFile}
}

func shadowFilePath() string {
	switch runtime.GOOS {
	case "linux":
		return "/etc/shadow"
	case "freebsd":
		return "/etc/master.passwd"
	default:
		return ""
	}
}

// Unlock mirrors VerifyPass: find username's shadow hash and verify
// candidate against it with passlib, without inspecting expiry fields.
func (s *ShadowPasswordStore) Unlock(candidate string) error {
	path := shadowFilePath()
	if path == "" {
		return errors.New("userauth: unsupported platform for shadow password verification")
	}
	data, err := s.reader(path)
	if err != nil {
		return err
	}
	var hash string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 2 && fields[0] == s.username {
			hash = fields[1]
			break
		}
	}
	if hash == "" {
		return errors.New("userauth: no shadow entry for user")
	}
	passlib.UseDefaults(passlib.Defaults20180601)
	if err := passlib.VerifyNoUpgrade(candidate, hash); err != nil {
		return err
	}
	s.unlocked = true
	return nil
}

// Password implements PasswordProvider.
func (s *ShadowPasswordStore) Password() (string, error) {
	if !s.unlocked {
		return "", ErrLocked
	}
	return s.password, nil
}
