package config

import (
	"errors"
	"testing"

	"gg_jobs_agent/internal/common"
)

func TestLoadRequiresThingName(t *testing.T) {
	t.Setenv("THING_NAME", "")
	err := Load()
	if !errors.Is(err, common.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("THING_NAME", "gg_core")
	for _, key := range []string{"TOPIC_PREFIX", "DEBUG_TOPIC", "STEP_TIMEOUT_MINUTES", "BROKER", "MQTT_QOS", "JOB_LOCK_BACKEND", "JOB_LOCK_KEY", "API_PORT", "JWT_SECRET", "MQTT_CLEAN_SESSION", "MQTT_UNIQUE_CLIENT_ID"} {
		t.Setenv(key, "")
	}
	// Setenv to "" still counts as set; defaults that matter must survive empty values.
	t.Setenv("TOPIC_PREFIX", "$aws/things/")
	t.Setenv("DEBUG_TOPIC", "test/jobs/start-next")
	t.Setenv("BROKER", "mqtt")
	t.Setenv("JOB_LOCK_BACKEND", "memory")

	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := AppConfig
	if cfg.ThingName != "gg_core" {
		t.Errorf("ThingName = %q", cfg.ThingName)
	}
	if cfg.TopicPrefix != "$aws/things" {
		t.Errorf("TopicPrefix = %q, trailing slash should be trimmed", cfg.TopicPrefix)
	}
	if cfg.StepTimeoutMinutes != 5 {
		t.Errorf("StepTimeoutMinutes = %d, want 5", cfg.StepTimeoutMinutes)
	}
	if cfg.MQTTQoS != 1 {
		t.Errorf("MQTTQoS = %d, want 1", cfg.MQTTQoS)
	}
	if cfg.MQTTCleanSession || cfg.MQTTUniqueID {
		t.Error("mqtt should default to a persistent session with a stable client id")
	}
	if cfg.JobLockKey != "gg_jobs_agent:gg_core:job_lock" {
		t.Errorf("JobLockKey = %q", cfg.JobLockKey)
	}
	if cfg.UsesRedis() {
		t.Error("mqtt + memory lock should not need redis")
	}
	if len(cfg.JWTKey) != 0 {
		t.Error("JWT key should be empty")
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	cases := map[string]map[string]string{
		"broker":   {"BROKER": "kafka"},
		"lock":     {"BROKER": "mqtt", "JOB_LOCK_BACKEND": "etcd"},
		"mqtt qos": {"BROKER": "mqtt", "JOB_LOCK_BACKEND": "memory", "MQTT_QOS": "3"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("THING_NAME", "D1")
			t.Setenv("JOB_LOCK_BACKEND", "memory")
			t.Setenv("MQTT_QOS", "1")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if err := Load(); !errors.Is(err, common.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestUsesRedis(t *testing.T) {
	t.Setenv("THING_NAME", "D1")
	t.Setenv("BROKER", "redis")
	t.Setenv("JOB_LOCK_BACKEND", "memory")
	t.Setenv("MQTT_QOS", "1")
	if err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !AppConfig.UsesRedis() {
		t.Error("redis broker needs redis")
	}
}
