package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-json-experiment/json"
)

// Checkpoint layout:
//
//	magic   8 bytes  "RLHFCKPT"
//	hdrLen  uint32   little endian
//	header  hdrLen bytes of JSON (checkpointHeader)
//	tensors float64 little endian, in Parameters order, sizes from header
//
// The JSON header makes a checkpoint self-describing: it carries the model
// config, so loading never needs flags that match the training run.

const checkpointMagic = "RLHFCKPT"

const (
	kindPolicy     = "policy"
	kindClassifier = "classifier"
)

type checkpointHeader struct {
	Kind    string    `json:"kind"`
	Config  Config    `json:"config"`
	Labels  []string  `json:"labels,omitempty"`
	Sizes   []int     `json:"sizes"`
	Created time.Time `json:"created"`
}

func writeCheckpoint(w io.Writer, hdr checkpointHeader, tensors [][]float64) error {
	hdr.Sizes = make([]int, len(tensors))
	for i, t := range tensors {
		hdr.Sizes[i] = len(t)
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(checkpointMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := bw.Write(hdrBytes); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, t := range tensors {
		for _, v := range t {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("checkpoint: write tensor: %w", err)
			}
		}
	}
	return bw.Flush()
}

func readCheckpoint(r io.Reader) (checkpointHeader, [][]float64, error) {
	var hdr checkpointHeader
	br := bufio.NewReader(r)

	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != checkpointMagic {
		return hdr, nil, fmt.Errorf("%w: bad magic", ErrInvalidCheckpoint)
	}
	var hdrLen uint32
	if err := binary.Read(br, binary.LittleEndian, &hdrLen); err != nil {
		return hdr, nil, fmt.Errorf("%w: header length: %v", ErrInvalidCheckpoint, err)
	}
	if hdrLen > 1<<20 {
		return hdr, nil, fmt.Errorf("%w: header length %d", ErrInvalidCheckpoint, hdrLen)
	}
	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrBytes); err != nil {
		return hdr, nil, fmt.Errorf("%w: header: %v", ErrInvalidCheckpoint, err)
	}
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("%w: header: %v", ErrInvalidCheckpoint, err)
	}

	tensors := make([][]float64, len(hdr.Sizes))
	buf := make([]byte, 8)
	for i, n := range hdr.Sizes {
		if n < 0 {
			return hdr, nil, fmt.Errorf("%w: tensor %d has size %d", ErrInvalidCheckpoint, i, n)
		}
		t := make([]float64, n)
		for j := range t {
			if _, err := io.ReadFull(br, buf); err != nil {
				return hdr, nil, fmt.Errorf("%w: tensor %d truncated: %v", ErrInvalidCheckpoint, i, err)
			}
			t[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
		tensors[i] = t
	}
	return hdr, tensors, nil
}

// SavePolicy writes the policy to a local path or gs:// URL.
func SavePolicy(ctx context.Context, m *PolicyModel, path string) error {
	state := m.State()
	hdr := checkpointHeader{Kind: kindPolicy, Config: state.Config, Created: time.Now().UTC()}
	return saveCheckpoint(ctx, path, hdr, state.Tensors)
}

// LoadPolicy reads a checkpoint written by SavePolicy.
func LoadPolicy(ctx context.Context, path string) (*PolicyModel, error) {
	hdr, tensors, err := loadCheckpoint(ctx, path, kindPolicy)
	if err != nil {
		return nil, err
	}
	return PolicyFromState(PolicyState{Config: hdr.Config, Tensors: tensors})
}

// SaveClassifier writes the reward classifier.
func SaveClassifier(ctx context.Context, c *SentimentClassifier, path string) error {
	state := c.State()
	hdr := checkpointHeader{Kind: kindClassifier, Config: state.Config, Labels: state.Labels, Created: time.Now().UTC()}
	return saveCheckpoint(ctx, path, hdr, state.Tensors)
}

// LoadClassifier reads a checkpoint written by SaveClassifier.
func LoadClassifier(ctx context.Context, path string) (*SentimentClassifier, error) {
	hdr, tensors, err := loadCheckpoint(ctx, path, kindClassifier)
	if err != nil {
		return nil, err
	}
	return ClassifierFromState(ClassifierState{Config: hdr.Config, Labels: hdr.Labels, Tensors: tensors})
}

func saveCheckpoint(ctx context.Context, path string, hdr checkpointHeader, tensors [][]float64) error {
	w, err := OpenWriter(ctx, path)
	if err != nil {
		return err
	}
	if err := writeCheckpoint(w, hdr, tensors); err != nil {
		w.Close()
		return fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	return w.Close()
}

func loadCheckpoint(ctx context.Context, path, kind string) (checkpointHeader, [][]float64, error) {
	r, err := OpenReader(ctx, path)
	if err != nil {
		return checkpointHeader{}, nil, err
	}
	defer r.Close()

	hdr, tensors, err := readCheckpoint(r)
	if err != nil {
		return hdr, nil, fmt.Errorf("checkpoint: %s: %w", path, err)
	}
	if hdr.Kind != kind {
		return hdr, nil, fmt.Errorf("%w: %s holds a %s, want %s", ErrInvalidCheckpoint, path, hdr.Kind, kind)
	}
	return hdr, tensors, nil
}
