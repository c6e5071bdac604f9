package config

import (
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/stokeworks/fastboot/internal/render"
)

// SupportedSchemaVersion is the newest manifest schema this coordinator
// understands. A dist built against a newer schema fails to load.
const SupportedSchemaVersion = 5

// Environment overrides honored when resolving the application config
// mapping: appConfigEnv merges a JSON object under the app's own key,
// configEnv replaces the whole mapping wholesale.
const (
	appConfigEnv = "FASTBOOT_APP_CONFIG"
	configEnv    = "FASTBOOT_CONFIG"
)

type packageJSON struct {
	Name     string           `json:"name"`
	FastBoot *fastbootSection `json:"fastboot"`
}

type fastbootSection struct {
	SchemaVersion   int                    `json:"schemaVersion"`
	Manifest        *manifestSection       `json:"manifest"`
	ModuleWhitelist []string               `json:"moduleWhitelist"`
	HostWhitelist   []string               `json:"hostWhitelist"`
	Config          map[string]interface{} `json:"config"`
	AppName         string                 `json:"appName"`
}

type manifestSection struct {
	AppFiles    []string `json:"appFiles"`
	VendorFiles []string `json:"vendorFiles"`
	HTMLFile    string   `json:"htmlFile"`
}

// LoadApp reads and validates the manifest co-located with a built
// application, loads its sources and template, and resolves its
// configuration. It satisfies render.AppLoader.
func LoadApp(distPath string) (*render.App, error) {
	if distPath == "" {
		return nil, render.NewConfigError("distPath is required")
	}

	pkgPath := filepath.Join(distPath, "package.json")
	raw, err := os.ReadFile(pkgPath)
	if err != nil {
		return nil, &render.ConfigError{Reason: "unable to read " + pkgPath, Err: err}
	}

	var pkg packageJSON
	if err := sonic.Unmarshal(raw, &pkg); err != nil {
		return nil, &render.ConfigError{Reason: "malformed JSON in " + pkgPath, Err: err}
	}
	fb := pkg.FastBoot
	if fb == nil || fb.Manifest == nil {
		return nil, render.NewConfigError("%s has no fastboot manifest section", pkgPath)
	}
	if fb.SchemaVersion > SupportedSchemaVersion {
		return nil, render.NewConfigError(
			"manifest schema version %d is newer than supported version %d; upgrade the server",
			fb.SchemaVersion, SupportedSchemaVersion)
	}

	name := fb.AppName
	if name == "" {
		name = pkg.Name
	}

	vendor, err := readSources(distPath, fb.Manifest.VendorFiles)
	if err != nil {
		return nil, err
	}
	app, err := readSources(distPath, fb.Manifest.AppFiles)
	if err != nil {
		return nil, err
	}

	var template string
	if fb.Manifest.HTMLFile != "" {
		body, err := os.ReadFile(filepath.Join(distPath, fb.Manifest.HTMLFile))
		if err != nil {
			return nil, &render.ConfigError{Reason: "unable to read html template " + fb.Manifest.HTMLFile, Err: err}
		}
		template = string(body)
	}

	cfg, err := resolveConfig(fb.Config, name)
	if err != nil {
		return nil, err
	}

	return &render.App{
		Name:            name,
		VendorSources:   vendor,
		AppSources:      app,
		HTMLTemplate:    template,
		Config:          cfg,
		HostWhitelist:   fb.HostWhitelist,
		ModuleWhitelist: fb.ModuleWhitelist,
		ModuleResolver:  render.DefaultModuleResolver(),
	}, nil
}

func readSources(distPath string, files []string) ([]render.Source, error) {
	sources := make([]render.Source, 0, len(files))
	for _, file := range files {
		body, err := os.ReadFile(filepath.Join(distPath, file))
		if err != nil {
			return nil, &render.ConfigError{Reason: "unable to read source " + file, Err: err}
		}
		sources = append(sources, render.Source{Name: file, Body: string(body)})
	}
	return sources, nil
}

// resolveConfig applies the two environment overrides to the manifest's
// config mapping.
func resolveConfig(cfg map[string]interface{}, appName string) (map[string]interface{}, error) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	if raw := os.Getenv(configEnv); raw != "" {
		replacement := map[string]interface{}{}
		if err := sonic.Unmarshal([]byte(raw), &replacement); err != nil {
			return nil, render.NewConfigError("malformed JSON in %s: %v", configEnv, err)
		}
		cfg = replacement
	}

	if raw := os.Getenv(appConfigEnv); raw != "" {
		override := map[string]interface{}{}
		if err := sonic.Unmarshal([]byte(raw), &override); err != nil {
			return nil, render.NewConfigError("malformed JSON in %s: %v", appConfigEnv, err)
		}
		appCfg, _ := cfg[appName].(map[string]interface{})
		if appCfg == nil {
			appCfg = map[string]interface{}{}
		}
		for k, v := range override {
			appCfg[k] = v
		}
		cfg[appName] = appCfg
	}

	return cfg, nil
}
