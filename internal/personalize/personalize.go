// Package personalize renders per-recipient documents before dispatch.
//
// The overlay tool itself is an external program; this package decides which
// items qualify, builds the request, runs the driver and hands back the path
// of the rendered file.
package personalize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bulkbot/internal/job"
	logx "bulkbot/pkg/logx"
)

// DefaultPage is the 1-based page the name is written on.
const DefaultPage = 2

type Request struct {
	Template string // path of the source document
	Name     string
	Message  string
	Page     int
	OutDir   string
}

// Hook produces a personalized variant of a document and returns its
// absolute path.
type Hook interface {
	Personalize(ctx context.Context, req Request) (string, error)
}

// IsPersonalizable reports whether ref points at a document kind the hook
// handles.
func IsPersonalizable(ref job.ContentRef) bool {
	return ref.Kind != job.RefNone && ref.Ext() == ".pdf"
}

type Config struct {
	Driver   string // "", "none" or "command"
	Command  []string
	Template string
	Page     int
	OutDir   string
	Timeout  time.Duration
}

// Personalizer applies a Hook to job items.
type Personalizer struct {
	hook Hook
	cfg  Config
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Personalizer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Page <= 0 {
		cfg.Page = DefaultPage
	}
	if strings.TrimSpace(cfg.OutDir) == "" {
		cfg.OutDir = filepath.Join(os.TempDir(), "bulkbot-personalized")
	}
	p := &Personalizer{cfg: cfg, log: log}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
	case "command":
		h, err := NewCommand(cfg.Command, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		p.hook = h
	default:
		return nil, fmt.Errorf("unknown personalize driver %q", cfg.Driver)
	}
	return p, nil
}

// NewWithHook wires an explicit hook.
func NewWithHook(h Hook, cfg Config, log logx.Logger) *Personalizer {
	p, _ := New(Config{Template: cfg.Template, Page: cfg.Page, OutDir: cfg.OutDir}, log)
	p.hook = h
	return p
}

func (p *Personalizer) Enabled() bool { return p != nil && p.hook != nil }

// Apply returns the content to send for it. Failures are logged and the
// original reference is returned unchanged.
func (p *Personalizer) Apply(ctx context.Context, it job.Item, ref job.ContentRef) job.ContentRef {
	if !p.Enabled() || !IsPersonalizable(ref) {
		return ref
	}
	template := p.cfg.Template
	if template == "" {
		if ref.Kind != job.RefLocalPath {
			p.log.Warn("personalize skipped: template is not a local file", logx.String("ref", ref.String()))
			return ref
		}
		template = ref.Path
	}

	req := Request{
		Template: template,
		Name:     RecipientName(it),
		Message:  it.Text(),
		Page:     p.cfg.Page,
		OutDir:   p.cfg.OutDir,
	}
	out, err := p.hook.Personalize(ctx, req)
	if err != nil {
		p.log.Warn("personalize failed, sending original",
			logx.String("phone", it.Phone),
			logx.String("template", template),
			logx.Err(err),
		)
		return ref
	}
	p.log.Debug("personalized", logx.String("phone", it.Phone), logx.String("out", out))
	return job.LocalPath(out)
}

// RecipientName picks the text written into the document: name, else the
// item text, else the phone.
func RecipientName(it job.Item) string {
	for _, s := range []string{it.Name, it.Text(), it.Phone} {
		if v := strings.TrimSpace(s); v != "" {
			return v
		}
	}
	return ""
}

var spaces = regexp.MustCompile(`\s+`)

// OutputPath is where the rendered document for name is written.
func OutputPath(outDir, name string) (string, error) {
	base := spaces.ReplaceAllString(strings.TrimSpace(name), "_")
	base = strings.NewReplacer("/", "_", `\`, "_").Replace(base)
	if base == "" || base == "." || base == ".." {
		base = "recipient"
	}
	return filepath.Abs(filepath.Join(outDir, base+".pdf"))
}

// Command runs an external overlay program. Arguments may carry the
// placeholders {template} {name} {message} {page} {out}.
type Command struct {
	argv    []string
	timeout time.Duration
}

func NewCommand(argv []string, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("personalize command is empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Command{argv: append([]string(nil), argv...), timeout: timeout}, nil
}

func (c *Command) Personalize(ctx context.Context, req Request) (string, error) {
	if _, err := os.Stat(req.Template); err != nil {
		return "", fmt.Errorf("template: %w", err)
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return "", err
	}
	out, err := OutputPath(req.OutDir, req.Name)
	if err != nil {
		return "", err
	}

	r := strings.NewReplacer(
		"{template}", req.Template,
		"{name}", req.Name,
		"{message}", req.Message,
		"{page}", strconv.Itoa(req.Page),
		"{out}", out,
	)
	args := make([]string, len(c.argv))
	for i, a := range c.argv {
		args[i] = r.Replace(a)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, args[0], args[1:]...)
	if b, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(b))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", fmt.Errorf("%s: %w: %s", filepath.Base(args[0]), err, msg)
	}

	st, err := os.Stat(out)
	if err != nil {
		return "", fmt.Errorf("output missing: %w", err)
	}
	if st.Size() == 0 {
		return "", fmt.Errorf("output %s is empty", out)
	}
	return out, nil
}
