// Package manifest reads a mounted project's package.json and derives how to
// run it: which framework the dependencies imply, which script to launch,
// and whether anything blocks installation.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/protocol"
)

const manifestPath = "package.json"

// Framework tags the web framework inferred from declared dependencies.
type Framework string

const (
	FrameworkVite      Framework = "vite"
	FrameworkSvelteKit Framework = "sveltekit"
	FrameworkAstro     Framework = "astro"
	FrameworkCRA       Framework = "create-react-app"
	FrameworkAngular   Framework = "angular"
	FrameworkNext      Framework = "next"
	FrameworkNuxt      Framework = "nuxt"
	FrameworkRemix     Framework = "remix"
	FrameworkGatsby    Framework = "gatsby"
	FrameworkExpress   Framework = "express"
	FrameworkFastify   Framework = "fastify"
	FrameworkKoa       Framework = "koa"
	FrameworkNest      Framework = "nest"
	FrameworkUnknown   Framework = "unknown"
)

// frameworkRules is ordered: build-tool frameworks first so a SvelteKit
// project that also lists vite resolves to sveltekit, then full-stack
// frameworks, then plain server libraries. First dependency hit wins.
var frameworkRules = []struct {
	dep       string
	framework Framework
}{
	{"@sveltejs/kit", FrameworkSvelteKit},
	{"astro", FrameworkAstro},
	{"vite", FrameworkVite},
	{"react-scripts", FrameworkCRA},
	{"@angular/core", FrameworkAngular},
	{"next", FrameworkNext},
	{"nuxt", FrameworkNuxt},
	{"@remix-run/node", FrameworkRemix},
	{"gatsby", FrameworkGatsby},
	{"@nestjs/core", FrameworkNest},
	{"express", FrameworkExpress},
	{"fastify", FrameworkFastify},
	{"koa", FrameworkKoa},
}

// scriptPreference lists run-script names per framework, most specific
// first. Frameworks without an entry use defaultPreference.
var scriptPreference = map[Framework][]string{
	FrameworkVite:      {"dev", "start", "serve", "preview"},
	FrameworkSvelteKit: {"dev", "start", "preview"},
	FrameworkAstro:     {"dev", "start", "preview"},
	FrameworkCRA:       {"start", "dev"},
	FrameworkAngular:   {"start", "serve"},
	FrameworkNext:      {"dev", "start"},
	FrameworkNuxt:      {"dev", "start"},
	FrameworkRemix:     {"dev", "start"},
	FrameworkGatsby:    {"develop", "start", "serve"},
}

var defaultPreference = []string{"dev", "start", "serve", "preview"}

// hostFlagFrameworks bind to loopback only unless passed an explicit host
// flag, so the run command appends one.
var hostFlagFrameworks = map[Framework]bool{
	FrameworkVite:      true,
	FrameworkSvelteKit: true,
	FrameworkAstro:     true,
}

// serverBinaries are runtime/process-manager names worth treating as a run
// script when no conventional script name is present.
var serverBinaries = []string{
	"node",
	"nodemon",
	"ts-node",
	"tsx",
	"vite",
	"next",
	"astro",
	"serve",
	"http-server",
}

// Info is the parsed manifest. Dependencies merges dependencies and
// devDependencies; on a name collision the runtime entry wins.
type Info struct {
	Name         string
	Scripts      map[string]string
	Dependencies map[string]string
	Framework    Framework
}

// Plan describes how to launch the project.
type Plan struct {
	Script        string
	BuildFirst    bool
	NeedsHostFlag bool
}

// Read parses package.json out of the mounted workspace. The error covers
// both a missing file and malformed JSON; callers decide whether that is
// fatal for the current project kind.
func Read(ctx context.Context, h sandbox.Handle) (*Info, error) {
	data, err := h.ReadFile(ctx, manifestPath, protocol.MaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestPath, err)
	}

	var raw struct {
		Name            string            `json:"name"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestPath, err)
	}

	deps := make(map[string]string, len(raw.Dependencies)+len(raw.DevDependencies))
	for name, spec := range raw.DevDependencies {
		deps[name] = spec
	}
	for name, spec := range raw.Dependencies {
		deps[name] = spec
	}

	info := &Info{
		Name:         raw.Name,
		Scripts:      raw.Scripts,
		Dependencies: deps,
		Framework:    detectFramework(deps),
	}
	return info, nil
}

func detectFramework(deps map[string]string) Framework {
	for _, rule := range frameworkRules {
		if _, ok := deps[rule.dep]; ok {
			return rule.framework
		}
	}
	return FrameworkUnknown
}

// FindRunScript picks the script to launch. Preference order depends on the
// framework; a preview-only project gets a build pass first; as a last
// resort any script whose command invokes a known server binary is taken.
func FindRunScript(info *Info) (Plan, bool) {
	if info == nil || len(info.Scripts) == 0 {
		return Plan{}, false
	}

	prefs, ok := scriptPreference[info.Framework]
	if !ok {
		prefs = defaultPreference
	}

	script := ""
	for _, name := range prefs {
		if _, ok := info.Scripts[name]; ok {
			script = name
			break
		}
	}
	if script == "" {
		script = scanForServerScript(info.Scripts)
	}
	if script == "" {
		return Plan{}, false
	}

	_, hasBuild := info.Scripts["build"]
	return Plan{
		Script:        script,
		BuildFirst:    script == "preview" && hasBuild,
		NeedsHostFlag: hostFlagFrameworks[info.Framework],
	}, true
}

// scanForServerScript checks script bodies for a known server binary,
// visiting names in sorted order so the choice is deterministic.
func scanForServerScript(scripts map[string]string) string {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fields := strings.Fields(scripts[name])
		for _, field := range fields {
			for _, bin := range serverBinaries {
				if field == bin {
					return name
				}
			}
		}
	}
	return ""
}

// sshSpecPattern matches dependency version specs that point at an
// SSH-transport repository, which npm inside the sandbox cannot fetch.
var sshSpecPattern = regexp.MustCompile(`^(git\+ssh://|ssh://|git@[^:]+:)`)

// UnsupportedSources returns the dependencies whose version specs use an
// SSH transport, sorted by name, formatted name@spec.
func UnsupportedSources(info *Info) []string {
	if info == nil {
		return nil
	}
	var bad []string
	for name, spec := range info.Dependencies {
		if sshSpecPattern.MatchString(spec) {
			bad = append(bad, name+"@"+spec)
		}
	}
	sort.Strings(bad)
	return bad
}
