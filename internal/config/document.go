package config

// document is the YAML layout accepted by LoadFrom and produced by
// Config.MarshalYAML.
type document struct {
	ListenAddr        string           `yaml:"listen_addr"`
	TegrastatsPath    string           `yaml:"tegrastats_path"`
	SampleInterval    string           `yaml:"sample_interval"`
	BroadcastInterval string           `yaml:"broadcast_interval"`
	AllowedOrigins    []string         `yaml:"allowed_origins"`
	EnablePrometheus  bool             `yaml:"enable_prometheus"`
	EnablePprof       bool             `yaml:"enable_pprof"`
	LogLevel          string           `yaml:"log_level"`
	HostRoot          string           `yaml:"host_root"`
	StopTimeout       string           `yaml:"stop_timeout"`
	WS                websocketSection `yaml:"ws"`
	Restart           restartSection   `yaml:"restart"`
}

type websocketSection struct {
	MaxClients   int    `yaml:"max_clients"`
	WriteTimeout string `yaml:"write_timeout"`
	ReadTimeout  string `yaml:"read_timeout"`
	SendTimeout  string `yaml:"send_timeout"`
}

type restartSection struct {
	BackoffMin  string `yaml:"backoff_min"`
	BackoffMax  string `yaml:"backoff_max"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// MarshalYAML renders the configuration in the file layout LoadFrom reads.
func (c Config) MarshalYAML() (any, error) {
	return document{
		ListenAddr:        c.ListenAddr,
		TegrastatsPath:    c.TegrastatsPath,
		SampleInterval:    c.SampleInterval.String(),
		BroadcastInterval: c.BroadcastInterval.String(),
		AllowedOrigins:    c.AllowedOrigins,
		EnablePrometheus:  c.EnablePrometheus,
		EnablePprof:       c.EnablePprof,
		LogLevel:          c.LogLevel.String(),
		HostRoot:          c.HostRoot,
		StopTimeout:       c.StopTimeout.String(),
		WS: websocketSection{
			MaxClients:   c.WS.MaxClients,
			WriteTimeout: c.WS.WriteTimeout.String(),
			ReadTimeout:  c.WS.ReadTimeout.String(),
			SendTimeout:  c.WS.SendTimeout.String(),
		},
		Restart: restartSection{
			BackoffMin:  c.Restart.BackoffMin.String(),
			BackoffMax:  c.Restart.BackoffMax.String(),
			MaxAttempts: c.Restart.MaxAttempts,
		},
	}, nil
}
