package config

import "time"

// Settings are the constructor inputs for the engine (§6).
type Settings struct {
	// Home is the absolute path to the configuration/data tree root.
	Home string

	// ArchiveURL is the URL prefix for artifact links. A trailing "/"
	// is appended if missing.
	ArchiveURL string

	BindHTTP string
	BindRPC  string

	// ConnectionString is the database DSN passed to the persistence
	// gateway.
	ConnectionString string

	// Title overrides LAMINAR_TITLE-equivalent status document title.
	Title string

	// KeepRunDirs overrides the retention window (LAMINAR_KEEP_RUNDIRS
	// equivalent), defaulting to 0.
	KeepRunDirs int

	// WatchDebounce is how long the config watcher waits after the
	// last filesystem event before re-entering the loader.
	WatchDebounce time.Duration
}

// DefaultSettings returns conservative defaults; Home must still be
// supplied by the caller.
func DefaultSettings(home string) Settings {
	return Settings{
		Home:          home,
		ArchiveURL:    "/archive/",
		BindHTTP:      ":8080",
		Title:         "Kiln",
		KeepRunDirs:   0,
		WatchDebounce: 250 * time.Millisecond,
	}
}

// Normalize fixes up derived fields (trailing slash on ArchiveURL).
func (s *Settings) Normalize() {
	if s.ArchiveURL == "" {
		s.ArchiveURL = "/"
		return
	}
	if s.ArchiveURL[len(s.ArchiveURL)-1] != '/' {
		s.ArchiveURL += "/"
	}
}
