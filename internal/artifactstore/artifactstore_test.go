package artifactstore

import (
	"context"
	"errors"
	"testing"
)

func TestFakeClientUploadDownloadRoundtrip(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()
	key := WeightsKey("traffic")

	if err := c.Upload(ctx, key, []byte("weights-v1")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := c.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "weights-v1" {
		t.Fatalf("data = %q, want weights-v1", data)
	}
}

func TestFakeClientDownloadMissingReturnsErrNotFound(t *testing.T) {
	c := NewFakeClient()
	_, err := c.Download(context.Background(), WeightsKey("missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFakeClientListFiltersByPrefix(t *testing.T) {
	c := NewFakeClient()
	c.Seed(WeightsKey("traffic"), []byte("a"))
	c.Seed(ConfigKey("traffic"), []byte("b"))
	c.Seed("unrelated/prefix/file", []byte("c"))

	objs, err := c.List(context.Background(), LatestPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("len(objs) = %d, want 2", len(objs))
	}
}

func TestParseModelConfigRoundtrip(t *testing.T) {
	src := []byte("[General]\nepochs = 10\nbatch_size = 64\n\n[Columns]\nbytes = numeric\nprotocol = categorical\n")
	cfg, err := ParseModelConfig(src)
	if err != nil {
		t.Fatalf("ParseModelConfig: %v", err)
	}
	v, ok := cfg.Get("General", "epochs")
	if !ok || v != "10" {
		t.Fatalf("General.epochs = %q, ok=%v, want 10/true", v, ok)
	}
	v, ok = cfg.Get("Columns", "protocol")
	if !ok || v != "categorical" {
		t.Fatalf("Columns.protocol = %q, ok=%v, want categorical/true", v, ok)
	}

	reparsed, err := ParseModelConfig(cfg.Render())
	if err != nil {
		t.Fatalf("reparse rendered config: %v", err)
	}
	v, ok = reparsed.Get("General", "batch_size")
	if !ok || v != "64" {
		t.Fatalf("roundtrip General.batch_size = %q, ok=%v, want 64/true", v, ok)
	}
}

func TestParseModelConfigRejectsKeyOutsideSection(t *testing.T) {
	_, err := ParseModelConfig([]byte("epochs = 10\n"))
	if err == nil {
		t.Fatal("expected an error for a key with no enclosing section")
	}
}
