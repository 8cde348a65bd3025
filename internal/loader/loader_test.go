package loader

import (
	"encoding/json"
	"testing"

	"instanceforge/pkg/types"
)

func TestMavenCoordToPath(t *testing.T) {
	cases := map[string]string{
		"net.fabricmc:fabric-loader:0.15.0": "net/fabricmc/fabric-loader/0.15.0/fabric-loader-0.15.0.jar",
		"org.ow2.asm:asm:9.5":               "org/ow2/asm/asm/9.5/asm-9.5.jar",
		"not-a-valid-coordinate":            "",
	}
	for in, want := range cases {
		if got := mavenCoordToPath(in); got != want {
			t.Errorf("mavenCoordToPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAppliesToThisOSWithNoRules(t *testing.T) {
	if !appliesToThisOS(nil) {
		t.Error("no rules should mean the library always applies")
	}
}

func TestLoaderVersionID(t *testing.T) {
	ref := types.LoaderRef{Kind: types.LoaderForge, Version: "47.2.0"}
	if got, want := loaderVersionID("1.20.1", ref), "1.20.1-forge-47.2.0"; got != want {
		t.Errorf("loaderVersionID = %q, want %q", got, want)
	}
}

func TestFabricMainClassBothEncodings(t *testing.T) {
	if got := fabricMainClass(json.RawMessage(`"a.b.Client"`)); got != "a.b.Client" {
		t.Errorf("string encoding: got %q", got)
	}
	if got := fabricMainClass(json.RawMessage(`{"client": "a.b.Knot", "server": "a.b.Server"}`)); got != "a.b.Knot" {
		t.Errorf("object encoding: got %q", got)
	}
	if got := fabricMainClass(nil); got != "" {
		t.Errorf("empty input: got %q", got)
	}
}

func TestFileExistsAndReadIfExists(t *testing.T) {
	dir := t.TempDir()
	missing := dir + "/nope.json"
	if fileExists(missing) {
		t.Error("expected missing file to report false")
	}
	data, err := readIfExists(missing)
	if err != nil || data != nil {
		t.Errorf("readIfExists(missing) = %v, %v", data, err)
	}
}
