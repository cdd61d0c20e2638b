package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func testFS() fstest.MapFS {
	file := &fstest.MapFile{Data: []byte("{}")}
	return fstest.MapFS{
		"hiyori_pro-t10/hiyori.model3.json":           file,
		"hiyori_pro-t10/hiyori.physics3.json":         file,
		"hiyori_pro-t10/hiyori.pose3.json":            file,
		"hiyori_pro-t10/hiyori.2048/texture_00.PNG":   file,
		"hiyori_pro-t10/motion/idle_01.motion3.json":  file,
		"hiyori_pro-t10/motion/tap-body.motion3.json": file,
		"hiyori_pro-t10/exp/a/smile.exp3.json":        file,
		"hiyori_pro-t10/deep/a/b/too_deep.png":        file,
		"bare/bare.model3.json":                       file,
		"not_a_model/readme.txt":                      file,
		"loose.model3.json":                           file,
	}
}

func TestScan(t *testing.T) {
	models, err := Scan(testFS())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}

	bare, hiyori := models[0], models[1]
	if bare.Folder != "bare" || hiyori.Folder != "hiyori_pro-t10" {
		t.Fatalf("unexpected folders %q %q", bare.Folder, hiyori.Folder)
	}

	want := Info{
		Name:        "Hiyori Pro T10",
		Folder:      "hiyori_pro-t10",
		ModelFile:   "hiyori_pro-t10/hiyori.model3.json",
		PhysicsFile: "hiyori_pro-t10/hiyori.physics3.json",
		PoseFile:    "hiyori_pro-t10/hiyori.pose3.json",
		Textures: []string{
			"hiyori_pro-t10/exp/a/smile.exp3.json",
			"hiyori_pro-t10/hiyori.2048/texture_00.PNG",
		},
		Motions: []string{
			"hiyori_pro-t10/motion/idle_01.motion3.json",
			"hiyori_pro-t10/motion/tap-body.motion3.json",
		},
	}
	if diff := cmp.Diff(want, hiyori); diff != "" {
		t.Fatalf("model mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	models, _ := Scan(testFS())
	if err := Validate(models[1]); err != nil {
		t.Fatalf("expected valid model, got %v", err)
	}

	err := Validate(models[0])
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff([]string{IssueNoTexture, IssueNoMotion}, verr.Issues); diff != "" {
		t.Fatalf("issues mismatch (-want +got):\n%s", diff)
	}

	err = Validate(Info{Folder: "x"})
	if !errors.As(err, &verr) || len(verr.Issues) != 3 || verr.Issues[0] != IssueNoModel {
		t.Fatalf("expected all three issues, got %v", err)
	}
}

func TestStatsOf(t *testing.T) {
	models, _ := Scan(testFS())
	got := StatsOf(models[1])
	want := Stats{TotalFiles: 7, TextureCount: 2, MotionCount: 2, HasPhysics: true, HasPose: true}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestMotionList(t *testing.T) {
	models, _ := Scan(testFS())
	list := models[1].MotionList()
	if len(list) != 2 {
		t.Fatalf("expected 2 motions, got %d", len(list))
	}
	if list[0].DisplayName != "Idle 01.motion3" || list[1].DisplayName != "Tap body.motion3" {
		t.Fatalf("unexpected display names: %+v", list)
	}
	if list[1].FileName != "tap-body.motion3.json" {
		t.Fatalf("unexpected file name %q", list[1].FileName)
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"hiyori":       "Hiyori",
		"mao_pro":      "Mao Pro",
		"rice-Pro_t02": "Rice Pro T02",
		"中文_model":     "中文 Model",
	}
	for in, want := range tests {
		if got := DisplayName(in); got != want {
			t.Fatalf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalogWatch(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog(dir, zerolog.Nop())
	c.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan []Info, 4)
	notify := func(m []Info) {
		select {
		case changed <- m:
		default:
		}
	}
	if err := c.Watch(ctx, notify); err != nil {
		t.Fatal(err)
	}
	if len(c.Models()) != 0 {
		t.Fatal("expected empty catalog")
	}

	folder := filepath.Join(dir, "haru")
	if err := os.Mkdir(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folder, "haru.model3.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case models := <-changed:
			if len(models) == 1 && models[0].Folder == "haru" {
				if _, ok := c.Find("haru"); !ok {
					t.Fatal("expected Find to locate the new model")
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for rescan, have %+v", c.Models())
		}
	}
}
