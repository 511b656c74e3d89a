package settings

// History controls the in-memory time-series retention and read shaping.
type History struct {
	// MaxPoints is the per-miner retention cap inside the store.
	MaxPoints int `json:"max_points"`
	// ReadLimit caps the trailing slice attached to each list response row.
	ReadLimit int `json:"read_limit"`
}

// Archive configures the optional SQLite mirror.
type Archive struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path"`
}

type EmbeddedNATS struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"http_port"`
	StoreDir string `json:"store_dir"`
}

type Settings struct {
	Version int `json:"version"`

	HTTPAddr string `json:"http_addr"`

	// IngestTokenEnc is the push secret, encrypted with data/secret.key.
	// Empty means ingest is closed: no token configured rejects all pushes
	// rather than opening access. The INGEST_TOKEN environment variable
	// overrides it without touching disk.
	IngestTokenEnc string `json:"ingest_token_enc,omitempty"`

	// ShardID names this collector in bus envelopes.
	ShardID string `json:"shard_id"`

	NATSURL    string `json:"nats_url"`
	NATSPrefix string `json:"nats_prefix"`

	EmbeddedNATS EmbeddedNATS `json:"embedded_nats"`

	History History `json:"history"`
	Archive Archive `json:"archive"`
}

func Defaults() Settings {
	return Settings{
		Version:  1,
		HTTPAddr: ":8080",

		ShardID: "shard-1",

		NATSURL:    "nats://127.0.0.1:14222",
		NATSPrefix: "pulse",

		EmbeddedNATS: EmbeddedNATS{
			Enabled:  true,
			Host:     "127.0.0.1",
			Port:     14222,
			HTTPPort: 18222,
			StoreDir: "data/nats",
		},

		History: History{
			MaxPoints: 5000,
			ReadLimit: 2000,
		},

		Archive: Archive{
			Enabled: false,
			DBPath:  "data/archive.db",
		},
	}
}

// Normalize fills zero-valued fields with defaults so a partial PUT or a
// hand-edited file never leaves the process without a listen address or a
// sane retention cap.
func Normalize(s *Settings) {
	d := Defaults()
	if s.Version == 0 {
		s.Version = d.Version
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = d.HTTPAddr
	}
	if s.ShardID == "" {
		s.ShardID = d.ShardID
	}
	if s.NATSURL == "" {
		s.NATSURL = d.NATSURL
	}
	if s.NATSPrefix == "" {
		s.NATSPrefix = d.NATSPrefix
	}
	if s.EmbeddedNATS.Host == "" {
		s.EmbeddedNATS.Host = d.EmbeddedNATS.Host
	}
	if s.EmbeddedNATS.Port == 0 {
		s.EmbeddedNATS.Port = d.EmbeddedNATS.Port
	}
	if s.EmbeddedNATS.HTTPPort == 0 {
		s.EmbeddedNATS.HTTPPort = d.EmbeddedNATS.HTTPPort
	}
	if s.EmbeddedNATS.StoreDir == "" {
		s.EmbeddedNATS.StoreDir = d.EmbeddedNATS.StoreDir
	}
	if s.History.MaxPoints <= 0 {
		s.History.MaxPoints = d.History.MaxPoints
	}
	if s.History.ReadLimit <= 0 {
		s.History.ReadLimit = d.History.ReadLimit
	}
	if s.History.ReadLimit > s.History.MaxPoints {
		s.History.ReadLimit = s.History.MaxPoints
	}
	if s.Archive.DBPath == "" {
		s.Archive.DBPath = d.Archive.DBPath
	}
}
