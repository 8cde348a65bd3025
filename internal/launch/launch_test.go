package launch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeVersionJSON(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "1.20.1.json")
	content := `{
		"mainClass": "net.minecraft.client.main.Main",
		"assetIndex": {"id": "7"},
		"arguments": {
			"game": ["--username", "${auth_player_name}", "--uuid", "${auth_uuid}", "--gameDir", "${game_directory}"]
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write version json: %v", err)
	}
	return path
}

func TestBuildArgsSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	vpath := writeVersionJSON(t, dir)

	opts := Options{
		InstanceDir:     filepath.Join(dir, "instance"),
		AssetsDir:       filepath.Join(dir, "assets"),
		VersionJSONPath: vpath,
		JavaBinary:      "java",
		Classpath:       []string{"/libs/a.jar", "/libs/b.jar"},
		Auth:            Auth{PlayerName: "Steve", Offline: true},
		RAM:             RAM{HeapMB: 4096},
	}

	args, err := BuildArgs(opts)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-Xmx4096m") {
		t.Errorf("missing heap flag: %v", args)
	}
	if !strings.Contains(joined, "net.minecraft.client.main.Main") {
		t.Errorf("missing main class: %v", args)
	}
	if !strings.Contains(joined, "Steve") {
		t.Errorf("player name not substituted: %v", args)
	}
	if strings.Contains(joined, "${") {
		t.Errorf("unsubstituted placeholder remains: %v", args)
	}
}

func TestBuildArgsLayersLoaderJSON(t *testing.T) {
	dir := t.TempDir()
	vpath := writeVersionJSON(t, dir)

	lpath := filepath.Join(dir, "1.20.1-fabric-0.15.0.json")
	loaderContent := `{
		"mainClass": "net.fabricmc.loader.impl.launch.knot.KnotClient",
		"arguments": {"game": ["--extraFlag"]}
	}`
	if err := os.WriteFile(lpath, []byte(loaderContent), 0o644); err != nil {
		t.Fatalf("write loader json: %v", err)
	}

	args, err := BuildArgs(Options{
		InstanceDir:     filepath.Join(dir, "instance"),
		AssetsDir:       filepath.Join(dir, "assets"),
		VersionJSONPath: vpath,
		LoaderJSONPath:  lpath,
		JavaBinary:      "java",
		Classpath:       []string{"/libs/a.jar"},
		Auth:            Auth{PlayerName: "Steve", Offline: true},
		RAM:             RAM{HeapMB: 2048},
	})
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "net.fabricmc.loader.impl.launch.knot.KnotClient") {
		t.Errorf("loader mainClass did not replace vanilla: %v", args)
	}
	if strings.Contains(joined, "net.minecraft.client.main.Main") {
		t.Errorf("vanilla mainClass still present alongside loader's: %v", args)
	}
	if !strings.Contains(joined, "--extraFlag") {
		t.Errorf("loader game args not appended: %v", args)
	}
}

func TestOfflineUUIDIsStableAndWellFormed(t *testing.T) {
	a := offlineUUID("Steve")
	b := offlineUUID("Steve")
	c := offlineUUID("Alex")

	if a != b {
		t.Errorf("offlineUUID not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("different usernames produced the same UUID")
	}
	parts := strings.Split(a, "-")
	if len(parts) != 5 {
		t.Errorf("offlineUUID %q is not dash-grouped like a UUID", a)
	}
}
