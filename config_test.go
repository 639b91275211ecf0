package roo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test000_config_defaults_file_and_env(t *testing.T) {

	cv.Convey("NewConfig defaults validate, and LoadConfig layers the JSON file then ROO_* env vars", t, func() {
		cfg := NewConfig()
		cv.So(cfg.Validate(), cv.ShouldBeNil)
		cv.So(cfg.PingInterval, cv.ShouldEqual, 100*time.Millisecond)
		cv.So(cfg.MaxPingTimeouts, cv.ShouldEqual, 3)

		dir := t.TempDir()
		path := filepath.Join(dir, "roo.json")
		js := `{"ping_interval": 250000000, "max_ping_timeouts": 7, "compress_payloads": true}`
		panicOn(os.WriteFile(path, []byte(js), 0600))

		t.Setenv("ROO_MAX_PING_TIMEOUTS", "9")
		t.Setenv("ROO_WAIT_RECHECK", "2ms")

		got, err := LoadConfig(path)
		panicOn(err)
		cv.So(got.PingInterval, cv.ShouldEqual, 250*time.Millisecond)
		cv.So(got.MaxPingTimeouts, cv.ShouldEqual, 9)
		cv.So(got.WaitRecheck, cv.ShouldEqual, 2*time.Millisecond)
		cv.So(got.CompressPayloads, cv.ShouldBeTrue)
		cv.So(got.RetiredTaskMemory, cv.ShouldEqual, 1024)
	})

	cv.Convey("LoadConfig rejects a missing file and an invalid setting", t, func() {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
		cv.So(err, cv.ShouldNotBeNil)

		t.Setenv("ROO_POLL_INTERVAL", "0s")
		_, err = LoadConfig("")
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("MaxPingTimeouts must allow at least one ping before a branch is lost", t, func() {
		cfg := NewConfig()
		cfg.MaxPingTimeouts = 1
		cv.So(cfg.Validate(), cv.ShouldBeNil)

		cfg.MaxPingTimeouts = 0
		err := cfg.Validate()
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "MaxPingTimeouts")

		net, err := NewMemnet(nil)
		panicOn(err)
		_, err = NewSocket(net.NewTransport(), cfg)
		cv.So(err, cv.ShouldNotBeNil)

		t.Setenv("ROO_POLL_INTERVAL", "1ms")
		t.Setenv("ROO_MAX_PING_TIMEOUTS", "1")
		_, err = LoadConfig("")
		cv.So(err, cv.ShouldBeNil)
		t.Setenv("ROO_MAX_PING_TIMEOUTS", "0")
		_, err = LoadConfig("")
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test001_config_default_path_follows_xdg(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultConfigPath(); got != "/tmp/xdg/roo/roo.json" {
		t.Fatalf("expected /tmp/xdg/roo/roo.json, got '%v'", got)
	}
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/someone")
	if got := DefaultConfigPath(); got != "/home/someone/.config/roo/roo.json" {
		t.Fatalf("unexpected default path '%v'", got)
	}
}
