package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

type packageManager string

const (
	pmNPM  packageManager = "npm"
	pmYarn packageManager = "yarn"
	pmPNPM packageManager = "pnpm"
)

type npmManifest struct {
	Main            string            `json:"main"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Plan is the build recipe chosen for a checked-out source tree.
type Plan struct {
	Type           domain.BuildType
	PackageManager string
	// Steps run in order inside the source directory before start.
	Steps [][]string
	// Start launches a node application. Empty for other types.
	Start []string
}

// Detect inspects dir and picks how to build and run it. A Dockerfile wins,
// then package.json; anything else is served as static files.
func Detect(dir string) (Plan, error) {
	ok, err := hasDockerfile(dir)
	if err != nil {
		return Plan{}, err
	}
	if ok {
		return Plan{Type: domain.BuildContainer}, nil
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		manifest, err := loadPackageManifest(dir)
		if err != nil {
			return Plan{}, err
		}
		return nodePlan(dir, manifest), nil
	}
	return Plan{Type: domain.BuildStatic}, nil
}

func nodePlan(dir string, manifest *npmManifest) Plan {
	pm := detectPackageManager(dir, manifest)
	plan := Plan{Type: domain.BuildNode, PackageManager: string(pm)}
	if needsInstall(dir, manifest) {
		plan.Steps = append(plan.Steps, installCommand(dir, pm))
	}
	if _, ok := manifest.Scripts["build"]; ok {
		plan.Steps = append(plan.Steps, []string{string(pm), "run", "build"})
	}
	if _, ok := manifest.Scripts["start"]; ok {
		plan.Start = []string{string(pm), "run", "start"}
		return plan
	}
	entry := strings.TrimSpace(manifest.Main)
	if entry == "" {
		entry = "index.js"
	}
	plan.Start = []string{"node", entry}
	return plan
}

func needsInstall(dir string, manifest *npmManifest) bool {
	if len(manifest.Dependencies) > 0 || len(manifest.DevDependencies) > 0 {
		return true
	}
	for _, lock := range []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml"} {
		if fileExists(filepath.Join(dir, lock)) {
			return true
		}
	}
	return false
}

func installCommand(dir string, pm packageManager) []string {
	switch pm {
	case pmYarn:
		return []string{"yarn", "install", "--non-interactive"}
	case pmPNPM:
		return []string{"pnpm", "install"}
	default:
		if fileExists(filepath.Join(dir, "package-lock.json")) {
			return []string{"npm", "ci", "--no-audit", "--no-fund"}
		}
		return []string{"npm", "install", "--no-audit", "--no-fund"}
	}
}

func hasDockerfile(dir string) (bool, error) {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() {
			return true, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("check dockerfile: %w", err)
		}
	}
	return false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func detectPackageManager(dir string, manifest *npmManifest) packageManager {
	if manifest != nil {
		if parsed := parsePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return pmYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return pmPNPM
	default:
		return pmNPM
	}
}

func parsePackageManager(value string) packageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return pmYarn
	case "pnpm":
		return pmPNPM
	case "npm":
		return pmNPM
	default:
		return ""
	}
}

func loadPackageManifest(dir string) (*npmManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	if manifest.Scripts == nil {
		manifest.Scripts = map[string]string{}
	}
	return &manifest, nil
}
