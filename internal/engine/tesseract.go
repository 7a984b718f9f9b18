package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine recognizes images in-process through the tesseract C
// bindings. It serves image uploads on hosts without the Python pipeline;
// PDFs still need the pipeline and fail with a descriptive message.
type TesseractEngine struct {
	languages []string
	// Uploads rarely carry density metadata, so a fixed DPI hint is fed
	// to tesseract instead of letting it guess.
	dpi int

	newClient func() *gosseract.Client
}

// NewTesseractEngine builds an in-process OCR engine with the given
// language hints, defaulting to English.
func NewTesseractEngine(languages ...string) *TesseractEngine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractEngine{languages: languages, dpi: 300, newClient: gosseract.NewClient}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Process recognizes one image and writes the text as a markdown artifact
// into the task workspace.
func (e *TesseractEngine) Process(ctx context.Context, req Request) (Result, error) {
	if strings.EqualFold(filepath.Ext(req.InputPath), ".pdf") {
		return Result{}, fmt.Errorf("tesseract engine cannot process pdf documents, configure the olmocr pipeline instead")
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	client := e.newClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return Result{}, fmt.Errorf("set languages %v: %w", e.languages, err)
	}
	if e.dpi > 0 {
		if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(e.dpi)); err != nil {
			return Result{}, fmt.Errorf("set dpi: %w", err)
		}
	}
	if err := client.SetImage(req.InputPath); err != nil {
		return Result{}, fmt.Errorf("load image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return Result{}, fmt.Errorf("recognize text: %w", err)
	}
	if req.Progress != nil {
		req.Progress(0.9)
	}

	dir := filepath.Join(req.Workspace, markdownDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create workspace: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(req.InputPath), filepath.Ext(req.InputPath))
	artifact := filepath.Join(dir, base+".md")
	if err := os.WriteFile(artifact, []byte(strings.TrimSpace(text)+"\n"), 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact: %w", err)
	}
	return Result{ArtifactPath: artifact}, nil
}
