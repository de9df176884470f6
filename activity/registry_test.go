package activity

import (
	"context"
	"testing"
)

func echo(ctx context.Context, args ...any) (any, error) {
	return args, nil
}

func validInfo() Info {
	return Info{
		Name:       "send_email",
		Module:     "example/notify",
		RetryCount: 3,
		TimeoutSec: 30,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(echo, validInfo()); err != nil {
		t.Fatalf("failed to register activity: %v", err)
	}

	got, err := reg.Get("example/notify", "send_email")
	if err != nil {
		t.Fatalf("failed to get activity: %v", err)
	}
	if got.Info.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", got.Info.RetryCount)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echo, validInfo())

	if err := reg.Register(echo, validInfo()); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestInfo_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Info)
		wantErr bool
	}{
		{"valid", func(i *Info) {}, false},
		{"empty name", func(i *Info) { i.Name = "" }, true},
		{"empty module", func(i *Info) { i.Module = "" }, true},
		{"negative retries", func(i *Info) { i.RetryCount = -1 }, true},
		{"excessive retries", func(i *Info) { i.RetryCount = 101 }, true},
		{"max retries", func(i *Info) { i.RetryCount = 100 }, false},
		{"zero timeout", func(i *Info) { i.TimeoutSec = 0 }, true},
		{"excessive timeout", func(i *Info) { i.TimeoutSec = 3601 }, true},
		{"max timeout", func(i *Info) { i.TimeoutSec = 3600 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := validInfo()
			tt.mutate(&info)
			err := info.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetadata_PayloadRoundTrip(t *testing.T) {
	meta := Metadata{
		Name:       "send_email",
		RetryCount: 3,
		TimeoutSec: 30,
		Func:       "SendEmail",
		Module:     "example/notify",
		Args:       []any{"alice@example.com", "hi"},
	}

	got, err := MetadataFromPayload(meta.Payload())
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if got.Name != meta.Name || got.RetryCount != 3 || got.TimeoutSec != 30 {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if len(got.Args) != 2 || got.Args[0] != "alice@example.com" {
		t.Errorf("args mismatch: %v", got.Args)
	}
}

func TestMetadataFromPayload_JSONNumbers(t *testing.T) {
	payload := map[string]any{
		"name":            "resize_image",
		"module":          "example/img",
		"func":            "Resize",
		"retry_count":     float64(2),
		"timeout_seconds": float64(60),
		"args":            []any{float64(1024)},
	}

	meta, err := MetadataFromPayload(payload)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if meta.RetryCount != 2 || meta.TimeoutSec != 60 {
		t.Errorf("numeric fields mismatch: %+v", meta)
	}
}

func TestMetadataFromPayload_Missing(t *testing.T) {
	if _, err := MetadataFromPayload(map[string]any{}); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := MetadataFromPayload(map[string]any{"name": "x"}); err == nil {
		t.Fatal("expected error for missing module")
	}
}
