// Package workflow implements the template engine for ComfyUI workflow
// documents: parsing the user-supplied node graph, injecting the prompt text
// at the placeholder, and applying the seed strategy.
package workflow

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// json is the codec used for every workflow (de)serialization. UseInt64 keeps
// integer node inputs (seeds, step counts) exact through a round trip instead
// of degrading them to float64, and SortMapKeys makes serialization
// deterministic so the placeholder substitution is reproducible.
var json = sonic.Config{
	UseInt64:    true,
	SortMapKeys: true,
}.Froze()

// Workflow is a ComfyUI prompt graph: node id -> node. Nodes are kept as raw
// maps because the graph is opaque to the client; whatever the user pasted in
// must reach the backend untouched except for the prompt and seed mutations.
type Workflow map[string]any

// Parse decodes a workflow template from its JSON text.
func Parse(text string) (Workflow, error) {
	var wf Workflow
	if err := json.UnmarshalFromString(text, &wf); err != nil {
		return nil, &TemplateError{Reason: "workflow template is not valid JSON", Err: err}
	}
	return wf, nil
}

// Serialize encodes a workflow back to its JSON text form.
func Serialize(wf Workflow) (string, error) {
	text, err := json.MarshalToString(wf)
	if err != nil {
		return "", fmt.Errorf("failed to serialize workflow: %w", err)
	}
	return text, nil
}

// Validate reports whether text is a usable workflow template. It is called
// before a template is persisted into settings.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}

// DefaultWorkflow is the stock text-to-image template offered on first
// configuration. The positive CLIPTextEncode node carries the prompt
// placeholder.
const DefaultWorkflow = `{
  "3": {
    "inputs": {
      "seed": 156680208700286,
      "steps": 20,
      "cfg": 8,
      "sampler_name": "euler",
      "scheduler": "normal",
      "denoise": 1,
      "model": ["4", 0],
      "positive": ["6", 0],
      "negative": ["7", 0],
      "latent_image": ["5", 0]
    },
    "class_type": "KSampler"
  },
  "4": {
    "inputs": {
      "ckpt_name": "v1-5-pruned-emaonly.ckpt"
    },
    "class_type": "CheckpointLoaderSimple"
  },
  "5": {
    "inputs": {
      "width": 512,
      "height": 512,
      "batch_size": 1
    },
    "class_type": "EmptyLatentImage"
  },
  "6": {
    "inputs": {
      "text": "%PROMPT%",
      "clip": ["4", 1]
    },
    "class_type": "CLIPTextEncode"
  },
  "7": {
    "inputs": {
      "text": "text, watermark",
      "clip": ["4", 1]
    },
    "class_type": "CLIPTextEncode"
  },
  "8": {
    "inputs": {
      "samples": ["3", 0],
      "vae": ["4", 2]
    },
    "class_type": "VAEDecode"
  },
  "9": {
    "inputs": {
      "filename_prefix": "ComfyUI",
      "images": ["8", 0]
    },
    "class_type": "SaveImage"
  }
}`
