package brand

import (
	"path/filepath"
	"testing"
)

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); ua != Name+"/"+Version {
		t.Errorf("unexpected user agent %q", ua)
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")

	if got := GetStateDir(); got != DefaultStateDir {
		t.Errorf("GetStateDir() = %q, want %q", got, DefaultStateDir)
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/aw")
	if got := GetStateDir(); got != filepath.Join("/opt/aw", "state") {
		t.Errorf("prefix not honoured: %q", got)
	}
	if got := GetConfigDir(); got != filepath.Join("/opt/aw", "config") {
		t.Errorf("prefix not honoured: %q", got)
	}

	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/tmp/awcfg")
	if got := DefaultConfigPath(); got != filepath.Join("/tmp/awcfg", ConfigFileName) {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}
