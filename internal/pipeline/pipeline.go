// Package pipeline drives the Arelle command line to turn an inline XBRL
// artifact into an OIM (xBRL-JSON) fact document.
//
// Arelle is treated as an unreliable collaborator: flag spellings vary by
// release, the requested output path is sometimes ignored, and the
// in-process API may be missing entirely. Every outcome is reported through
// Outcome rather than an error so a detached run can always record it.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/esgregister/internal/config"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/oim"
	"github.com/JonMunkholm/esgregister/internal/resolver"
)

const (
	// maxLogOutput bounds stdout/stderr written to the log per invocation.
	maxLogOutput = 5000

	// maxSummary bounds the summary stored on a report.
	maxSummary = 1000

	DefaultSuccessSummary = "Validated"
	DefaultFailureSummary = "Validation failed"
)

// Outcome is the result of one conversion.
type Outcome struct {
	// OK is set only when a located file passed the fact document check.
	OK bool

	// Path is the accepted OIM JSON file.
	Path string

	// Summary is the short validation summary on success or the failure
	// reason otherwise. Never empty.
	Summary string

	ExitCode int
	Variant  string
}

// Pipeline converts artifacts with Arelle.
type Pipeline struct {
	cfg    config.ExtractorConfig
	runner CommandRunner
}

// New creates a pipeline. A nil runner uses ExecRunner.
func New(cfg config.ExtractorConfig, runner CommandRunner) *Pipeline {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Pipeline{cfg: cfg, runner: runner}
}

// Process resolves the artifact at path into an Arelle input, converts it
// with outDir as the requested output location, and for ZIP packages
// retries once against the extracted primary document. Temporary
// directories are removed before Process returns.
func (p *Pipeline) Process(ctx context.Context, path, ext, outDir string) Outcome {
	logger := logging.FromContext(ctx)

	res, err := resolver.Resolve(ctx, path, ext)
	if err != nil {
		return Outcome{ExitCode: -1, Summary: ShortSummary("", err.Error(), false)}
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("failed to remove temp dir", "dir", res.TempDir, "error", err)
		}
	}()

	out := p.Convert(ctx, res.Path, outDir)
	if out.OK || resolver.NormalizeExt(ext) != ".zip" || ctx.Err() != nil {
		return out
	}

	extracted, err := resolver.ExtractPrimary(path)
	if err != nil {
		logger.Warn("package extraction failed", "path", path, "error", err)
		return out
	}
	defer func() {
		if err := extracted.Cleanup(); err != nil {
			logger.Warn("failed to remove temp dir", "dir", extracted.TempDir, "error", err)
		}
	}()

	logger.Info("retrying conversion with extracted primary document", "document", extracted.Path)
	return p.Convert(ctx, extracted.Path, outDir)
}

// Convert runs the command variants against input until one exits zero,
// locates the produced fact document, and falls back to the API mode when
// the command line produced nothing usable.
func (p *Pipeline) Convert(ctx context.Context, input, outDir string) Outcome {
	logger := logging.FromContext(ctx)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Outcome{ExitCode: -1, Summary: ShortSummary("", "create output dir: "+err.Error(), false)}
	}

	last := Result{ExitCode: 1}
	var variant string
	for _, v := range Variants(p.cfg.Plugins) {
		variant = v.Name
		args := append([]string{p.cfg.Script, "--file", input, "--validate"}, v.Args(outDir)...)
		last = p.invoke(ctx, Command{Path: p.cfg.Python, Args: args}, v.Name)
		if last.ExitCode == 0 || ctx.Err() != nil {
			break
		}
	}

	stdout, stderr, code := last.Stdout, last.Stderr, last.ExitCode
	var located string
	if code == 0 {
		located = Locate(expectedOutput(outDir, input), outDir, filepath.Dir(input))
		if located == "" {
			logger.Warn("arelle exited cleanly but no fact document was found", "output_dir", outDir)
		}
	}

	if (code != 0 || located == "") && ctx.Err() == nil {
		apiPath, msg, ok := p.apiFallback(ctx, input, outDir)
		if ok {
			located, code, variant = apiPath, 0, "api"
			stdout += "\n[api] " + msg
		} else {
			stderr += "\n[api] " + msg
		}
	}

	if code == 0 && located != "" && oim.IsFactDocumentFile(located) {
		return Outcome{
			OK:       true,
			Path:     located,
			Summary:  ShortSummary(stdout, stderr, true),
			ExitCode: code,
			Variant:  variant,
		}
	}

	if ctx.Err() != nil {
		stderr = appendLine(stderr, "conversion aborted: "+ctx.Err().Error())
	}
	logger.Error("conversion failed", "exit_code", code, "variant", variant, "located", located)
	return Outcome{
		Path:     located,
		Summary:  ShortSummary(stdout, stderr, false),
		ExitCode: code,
		Variant:  variant,
	}
}

// invoke runs one command with the Arelle working directory and cache
// environment and logs it.
func (p *Pipeline) invoke(ctx context.Context, cmd Command, variant string) Result {
	logger := logging.FromContext(ctx)

	cmd.Dir = p.cfg.WorkDir
	if p.cfg.CacheDir != "" {
		cmd.Env = append(cmd.Env, "ARELLE_CACHE_DIR="+p.cfg.CacheDir)
	}

	logger.Info("running arelle", "variant", variant, "command", cmd.String())
	res := p.runner.Run(ctx, cmd)
	logger.Info("arelle finished", "variant", variant, "exit_code", res.ExitCode)
	if res.Stdout != "" {
		logger.Debug("arelle stdout", "output", logging.Truncate(res.Stdout, maxLogOutput))
	}
	if res.Stderr != "" {
		logger.Warn("arelle stderr", "output", logging.Truncate(res.Stderr, maxLogOutput))
	}
	return res
}

// expectedOutput is where a well-behaved Arelle writes the OIM export for
// input when given outDir.
func expectedOutput(outDir, input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(outDir, base+".json")
}

// Locate returns expected if it exists, otherwise the most recently
// modified JSON fact document found by walking dirs in order. The first
// directory with any candidate wins. Returns "" when nothing qualifies.
func Locate(expected string, dirs ...string) string {
	if fi, err := os.Stat(expected); err == nil && fi.Mode().IsRegular() {
		return expected
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		var (
			best    string
			bestMod int64
		)
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != dir {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !oim.IsFactDocumentFile(path) {
				return nil
			}
			if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
				best, bestMod = path, mod
			}
			return nil
		})
		if best != "" {
			return best
		}
	}
	return ""
}

// apiScript exports an OIM JSON file through Arelle's Python API. It prints
// a one-line status and exits non-zero on failure.
const apiScript = `import os, sys
from arelle import Cntlr
src, out = sys.argv[1], sys.argv[2]
os.makedirs(out, exist_ok=True)
dst = os.path.join(out, "oim_" + os.path.basename(src) + ".json")
c = Cntlr.Cntlr(logFileName=os.path.join(out, "arelle_api.log"))
m = c.modelManager.load("file://" + os.path.abspath(src))
if m is None:
    print("model_xbrl is None"); sys.exit(2)
c.modelManager.saveInstance(dst, outputType="XBRL-JSON")
if not os.path.exists(dst):
    print("json not created"); sys.exit(3)
print("api-export-ok")
`

// apiFallback runs the library-style export. It reports ok only when the
// exported file exists; any other outcome, including the mode being
// disabled, yields a message for the failure reason.
func (p *Pipeline) apiFallback(ctx context.Context, input, outDir string) (string, string, bool) {
	if !p.cfg.APIFallback {
		return "", "api fallback disabled", false
	}

	dst := filepath.Join(outDir, "oim_"+filepath.Base(input)+".json")
	res := p.invoke(ctx, Command{Path: p.cfg.Python, Args: []string{"-c", apiScript, input, outDir}}, "api")
	if res.ExitCode != 0 {
		msg := lastLine(res.Stdout)
		if msg == "" {
			msg = lastLine(res.Stderr)
		}
		return "", fmt.Sprintf("api-error: %s", msg), false
	}
	if _, err := os.Stat(dst); err != nil {
		return "", "json not created", false
	}
	return dst, "api-export-ok", true
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// ShortSummary picks stderr when it has content, otherwise stdout, and
// truncates to a bounded length. An empty result becomes the default
// success or failure message.
func ShortSummary(stdout, stderr string, ok bool) string {
	text := strings.TrimSpace(stderr)
	if text == "" {
		text = strings.TrimSpace(stdout)
	}
	if r := []rune(text); len(r) > maxSummary {
		text = string(r[:maxSummary]) + "…"
	}
	if text == "" {
		if ok {
			return DefaultSuccessSummary
		}
		return DefaultFailureSummary
	}
	return text
}
