package config

import "testing"

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := &Config{Addr: "", LogLevel: "info", LogFormat: "json", ResponseTimeout: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an empty Addr")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := &Config{Addr: ":8080", LogLevel: "verbose", LogFormat: "json", ResponseTimeout: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unknown LogLevel")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := &Config{Addr: ":8080", LogLevel: "info", LogFormat: "xml", ResponseTimeout: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unknown LogFormat")
	}
}

func TestValidateRejectsNonPositiveResponseTimeout(t *testing.T) {
	c := &Config{Addr: ":8080", LogLevel: "info", LogFormat: "json", ResponseTimeout: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a non-positive ResponseTimeout")
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	c := &Config{
		Addr:            ":8080",
		LogLevel:        "debug",
		LogFormat:       "console",
		ResponseTimeout: 5,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
