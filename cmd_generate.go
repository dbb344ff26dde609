package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// RunGenerateCommand samples continuations from a policy checkpoint, once
// for -prompt or repeatedly in -interactive mode.
func RunGenerateCommand(args []string) error {
	var (
		modelPath   string
		prompt      string
		interactive bool
		maxTokens   int
	)
	c, err := newCommand("generate", args, (*AppConfig).sampleFlags,
		func(cfg *AppConfig, fs *flag.FlagSet) {
			fs.StringVar(&modelPath, "model", cfg.OutputPath, "Policy checkpoint")
			fs.StringVar(&prompt, "prompt", "", "Text prompt")
			fs.BoolVar(&interactive, "interactive", false, "Read prompts from stdin")
			fs.IntVar(&maxTokens, "max-tokens", 32, "Tokens to generate")
		})
	if err != nil {
		return err
	}
	defer c.close()

	model, err := LoadPolicy(c.ctx, modelPath)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	tok, err := c.tokenizerFor(model.Config())
	if err != nil {
		return err
	}
	g := &generator{model: model, tok: tok, cfg: c.cfg.Driver.Sample, maxTokens: maxTokens, c: c}
	if err := g.checkTokens(maxTokens); err != nil {
		return err
	}

	if interactive {
		return g.repl()
	}
	if prompt == "" {
		return fmt.Errorf("either -prompt or -interactive is required")
	}
	return g.generate(prompt)
}

type generator struct {
	model     *PolicyModel
	tok       Tokenizer
	cfg       SampleConfig
	maxTokens int
	c         *command
}

func (g *generator) generate(prompt string) error {
	ids := g.tok.Encode(prompt)
	if len(ids) == 0 {
		return fmt.Errorf("prompt encoded to zero tokens")
	}
	if room := g.model.Config().SeqLen - g.maxTokens; room > 0 && len(ids) > room {
		ids = ids[len(ids)-room:]
	}
	out, err := g.model.Generate(ids, g.maxTokens, g.cfg, g.c.rng)
	if err != nil {
		return err
	}
	fmt.Printf("%s%s\n", g.tok.Decode(ids), g.tok.Decode(out[len(ids):]))
	return nil
}

// repl reads prompts line by line. Lines starting with / change settings.
func (g *generator) repl() error {
	fmt.Println("Enter a prompt, /temp /topk /topp /tokens to change settings, quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			return nil
		case strings.HasPrefix(line, "/"):
			if err := g.set(line); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		default:
			if err := g.generate(line); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

func (g *generator) set(line string) error {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return fmt.Errorf("usage: %s <value>", parts[0])
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", parts[1], err)
	}
	if v < 0 {
		return fmt.Errorf("%s must not be negative, got %v", parts[0], v)
	}
	switch parts[0] {
	case "/temp":
		g.cfg.Temperature = v
	case "/topk":
		if v != math.Trunc(v) {
			return fmt.Errorf("/topk must be a whole number, got %v", v)
		}
		g.cfg.TopK = int(v)
	case "/topp":
		if v > 1 {
			return fmt.Errorf("/topp must be at most 1, got %v", v)
		}
		g.cfg.TopP = v
	case "/tokens":
		if v != math.Trunc(v) {
			return fmt.Errorf("/tokens must be a whole number, got %v", v)
		}
		if err := g.checkTokens(int(v)); err != nil {
			return err
		}
		g.maxTokens = int(v)
	default:
		return fmt.Errorf("unknown command %s", parts[0])
	}
	fmt.Printf("temperature=%.2f top_k=%d top_p=%.2f tokens=%d\n", g.cfg.Temperature, g.cfg.TopK, g.cfg.TopP, g.maxTokens)
	return nil
}

// checkTokens leaves room for at least one prompt token.
func (g *generator) checkTokens(n int) error {
	if seqLen := g.model.Config().SeqLen; n < 1 || n >= seqLen {
		return fmt.Errorf("%w: tokens must be in [1, %d), got %d", ErrInvalidConfig, seqLen, n)
	}
	return nil
}
