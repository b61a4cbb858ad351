package config

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/codex-k8s/ktime/internal/env"
)

// TemplateContext is the data exposed to Go templates in the config file and templated manifests.
type TemplateContext struct {
	// Vars holds user-supplied variables (--vars, --var-file).
	Vars env.Vars
	// EnvMap merges the OS environment with Vars.
	EnvMap env.Vars
	// Now is the timestamp captured for rendering.
	Now time.Time
}

// NewTemplateContext builds a context over the process environment with vars layered on top.
func NewTemplateContext(vars env.Vars) TemplateContext {
	if vars == nil {
		vars = env.Vars{}
	}
	return TemplateContext{
		Vars:   vars,
		EnvMap: env.Merge(env.FromOS(), vars),
		Now:    time.Now().UTC(),
	}
}

// RenderTemplate renders raw content with the template context and helper functions.
func RenderTemplate(name string, raw []byte, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(buildFuncMap(ctx)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

func buildFuncMap(ctx TemplateContext) template.FuncMap {
	return template.FuncMap{
		"default":    funcDef,
		"toLower":    strings.ToLower,
		"envOr":      funcEnvOr(ctx.EnvMap),
		"var":        funcVar(ctx.Vars),
		"now":        func() time.Time { return ctx.Now },
		"trimPrefix": strings.TrimPrefix,
	}
}

// funcDef returns def when value is empty or whitespace, otherwise value.
func funcDef(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// funcEnvOr looks up a key in envMap and falls back to def.
func funcEnvOr(envMap env.Vars) func(key, def string) string {
	return func(key, def string) string {
		if v, ok := envMap[key]; ok && v != "" {
			return v
		}
		return def
	}
}

// funcVar returns a user variable and fails rendering when it is not set.
func funcVar(vars env.Vars) func(key string) (string, error) {
	return func(key string) (string, error) {
		v, ok := vars[key]
		if !ok {
			return "", fmt.Errorf("variable %q is not set", key)
		}
		return v, nil
	}
}
