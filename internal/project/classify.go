package project

import (
	"path"
	"strings"
)

type Kind string

const (
	KindNodeJS Kind = "nodejs"
	KindStatic Kind = "static"
	KindPython Kind = "python"
	KindRust   Kind = "rust"
	KindGo     Kind = "go"
	KindJava   Kind = "java"
	KindPHP    Kind = "php"
	KindRuby   Kind = "ruby"
	KindDotnet Kind = "dotnet"
	KindOther  Kind = "other"
)

// Classification is the run/no-run verdict for a mounted repository.
type Classification struct {
	Kind        Kind
	CanRun      bool
	Label       string
	Description string
}

type manifestRule struct {
	kind  Kind
	label string
	// root-level file names, exact match
	files []string
	// root-level file suffixes (dotnet project files)
	suffixes []string
}

// Manifest presence outranks extension counting, which outranks static HTML
// detection. First matching rule wins.
var manifestRules = []manifestRule{
	{kind: KindNodeJS, label: "Node.js", files: []string{"package.json"}},
	{kind: KindPython, label: "Python", files: []string{"requirements.txt", "pyproject.toml", "Pipfile", "setup.py"}},
	{kind: KindRust, label: "Rust", files: []string{"Cargo.toml"}},
	{kind: KindGo, label: "Go", files: []string{"go.mod", "go.sum"}},
	{kind: KindJava, label: "Java", files: []string{"pom.xml", "build.gradle", "build.gradle.kts"}},
	{kind: KindPHP, label: "PHP", files: []string{"composer.json"}},
	{kind: KindRuby, label: "Ruby", files: []string{"Gemfile"}},
	{kind: KindDotnet, label: ".NET", suffixes: []string{".csproj", ".fsproj", ".sln"}},
}

var extensionKinds = []struct {
	ext   string
	kind  Kind
	label string
}{
	{".py", KindPython, "Python"},
	{".rs", KindRust, "Rust"},
	{".go", KindGo, "Go"},
	{".java", KindJava, "Java"},
	{".php", KindPHP, "PHP"},
	{".rb", KindRuby, "Ruby"},
	{".cs", KindDotnet, ".NET"},
}

// Classify maps a repository file listing to a project kind. Only nodejs and
// static projects are runnable; everything else mounts for browsing.
func Classify(paths []string) Classification {
	rootFiles := make(map[string]bool)
	extCounts := make(map[string]int)
	hasHTML := false
	for _, p := range paths {
		if !strings.Contains(p, "/") {
			rootFiles[p] = true
		}
		ext := strings.ToLower(path.Ext(p))
		extCounts[ext]++
		if ext == ".html" || ext == ".htm" {
			hasHTML = true
		}
	}

	for _, rule := range manifestRules {
		for _, f := range rule.files {
			if rootFiles[f] {
				return classificationFor(rule.kind, rule.label)
			}
		}
		for _, suffix := range rule.suffixes {
			for f := range rootFiles {
				if strings.HasSuffix(f, suffix) {
					return classificationFor(rule.kind, rule.label)
				}
			}
		}
	}

	best := Kind("")
	bestLabel := ""
	bestCount := 0
	for _, ek := range extensionKinds {
		if n := extCounts[ek.ext]; n > bestCount {
			best, bestLabel, bestCount = ek.kind, ek.label, n
		}
	}
	if bestCount > 0 {
		return classificationFor(best, bestLabel)
	}

	if rootFiles["index.html"] || rootFiles["index.htm"] || hasHTML {
		return classificationFor(KindStatic, "Static site")
	}

	return classificationFor(KindOther, "Unknown")
}

func classificationFor(kind Kind, label string) Classification {
	switch kind {
	case KindNodeJS:
		return Classification{Kind: kind, CanRun: true, Label: label,
			Description: "npm project, runnable in the sandbox"}
	case KindStatic:
		return Classification{Kind: kind, CanRun: true, Label: label,
			Description: "static files, served by a synthesized file server"}
	case KindOther:
		return Classification{Kind: kind, CanRun: false, Label: label,
			Description: "no recognized project shape, files mounted for browsing"}
	default:
		return Classification{Kind: kind, CanRun: false, Label: label,
			Description: label + " project, mounted for browsing only"}
	}
}
