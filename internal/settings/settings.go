package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

// ErrInvalid wraps validation failures from Save.
var ErrInvalid = errors.New("invalid settings")

// Settings are the browser client preferences persisted across restarts.
// Location, when set, replaces the configured default location for
// subsequent refresh cycles.
type Settings struct {
	UpdateInterval int              `json:"updateInterval" validate:"gte=1,lte=3600"`
	DarkMode       bool             `json:"darkMode"`
	SoundEnabled   bool             `json:"soundEnabled"`
	AlertThreshold int              `json:"alertThreshold" validate:"gte=0,lte=120"`
	MapStyle       string           `json:"mapStyle" validate:"required,max=32"`
	Location       *models.Location `json:"location,omitempty"`
}

// Defaults returns the settings written on first use.
func Defaults(refreshInterval time.Duration) Settings {
	secs := int(refreshInterval / time.Second)
	if secs < 1 {
		secs = 20
	}
	return Settings{
		UpdateInterval: secs,
		DarkMode:       true,
		SoundEnabled:   true,
		AlertThreshold: 3,
		MapStyle:       "standard",
	}
}

func (s Settings) clone() Settings {
	if s.Location != nil {
		loc := *s.Location
		s.Location = &loc
	}
	return s
}

// Manager owns the settings file. It is safe for concurrent use.
type Manager struct {
	path     string
	defaults Settings
	fallback models.Location
	validate *validator.Validate
	logger   *zap.Logger

	mu      sync.RWMutex
	current Settings
}

// NewManager returns a Manager holding defaults until Load is called.
// fallback is the location used when the settings carry none.
func NewManager(path string, defaults Settings, fallback models.Location, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		path:     path,
		defaults: defaults.clone(),
		fallback: fallback,
		validate: validator.New(),
		logger:   logger,
		current:  defaults.clone(),
	}
}

// Load reads the settings file. A missing file is created with the defaults.
// On a read or parse error the defaults stay in effect and the error is
// returned for logging. Fields absent from the file keep their defaults.
func (m *Manager) Load() (Settings, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := m.write(m.defaults); err != nil {
			return m.Get(), fmt.Errorf("create settings file: %w", err)
		}
		m.logger.Info("settings file created with defaults", zap.String("path", m.path))
		return m.Get(), nil
	}
	if err != nil {
		return m.Get(), fmt.Errorf("read settings %s: %w", m.path, err)
	}

	s := m.defaults.clone()
	if err := json.Unmarshal(data, &s); err != nil {
		return m.Get(), fmt.Errorf("parse settings %s: %w", m.path, err)
	}
	if err := m.validate.Struct(s); err != nil {
		return m.Get(), fmt.Errorf("%w: %s: %v", ErrInvalid, m.path, err)
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return s.clone(), nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// Save validates s, writes it to disk and makes it current.
func (m *Manager) Save(s Settings) error {
	if err := m.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s = s.clone()
	if err := m.write(s); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// Location returns the location refresh cycles should poll.
func (m *Manager) Location() models.Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.Location != nil {
		return *m.current.Location
	}
	return m.fallback
}

// write replaces the file atomically: readers see the old or the new file, never a partial one.
func (m *Manager) write(s Settings) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("replace settings %s: %w", m.path, err)
	}
	return nil
}
