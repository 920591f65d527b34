package backbone

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

// namedTensors maps canonical names to the 2D parameter tensors.
func (m *Model) namedTensors() map[string]device.Tensor {
	out := map[string]device.Tensor{
		"token_embedding": m.tokenEmb,
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("layers.%d.", i)
		out[p+"attn.q"] = l.qProj.W
		out[p+"attn.k"] = l.kProj.W
		out[p+"attn.v"] = l.vProj.W
		out[p+"attn.o"] = l.oProj.W
		out[p+"mlp.up"] = l.up.W
		out[p+"mlp.down"] = l.down.W
	}
	return out
}

func (m *Model) namedVectors() map[string][]float32 {
	out := map[string][]float32{
		"final_norm.gamma": m.finalLN.gamma,
		"final_norm.beta":  m.finalLN.beta,
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("layers.%d.", i)
		out[p+"attn_norm.gamma"] = l.attnNorm.gamma
		out[p+"attn_norm.beta"] = l.attnNorm.beta
		out[p+"mlp_norm.gamma"] = l.mlpNorm.gamma
		out[p+"mlp_norm.beta"] = l.mlpNorm.beta
		out[p+"mlp.up.bias"] = l.up.Bias
		out[p+"mlp.down.bias"] = l.down.Bias
	}
	return out
}

// StateDict captures every base parameter as a named float32 slice in
// row-major order. Adapter overlays are not included; see AdapterStateDict.
func (m *Model) StateDict() map[string][]float32 {
	out := make(map[string][]float32)
	for name, t := range m.namedTensors() {
		out[name] = t.ToHost()
	}
	for name, v := range m.namedVectors() {
		cp := make([]float32, len(v))
		copy(cp, v)
		out[name] = cp
	}
	return out
}

// LoadStateDict replaces base parameters from a state dict. Every entry in
// the dict must match an existing parameter's name and size; parameters
// absent from the dict keep their current values.
func (m *Model) LoadStateDict(sd map[string][]float32) error {
	tensors := m.namedTensors()
	vectors := m.namedVectors()
	for name, data := range sd {
		if t, ok := tensors[name]; ok {
			r, c := t.Dims()
			if len(data) != r*c {
				return fmt.Errorf("parameter %q: size mismatch, have %d want %d", name, len(data), r*c)
			}
			t.CopyFromFloat32(data)
			continue
		}
		if v, ok := vectors[name]; ok {
			if len(data) != len(v) {
				return fmt.Errorf("parameter %q: size mismatch, have %d want %d", name, len(data), len(v))
			}
			copy(v, data)
			continue
		}
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

// AdapterStateDict captures only the low-rank overlay matrices of the named
// adapter, keyed by projection path.
func (m *Model) AdapterStateDict(name string) (map[string][]float32, error) {
	if !m.adapters[name] {
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
	out := make(map[string][]float32)
	for i, l := range m.layers {
		p := fmt.Sprintf("layers.%d.", i)
		for suffix, lin := range map[string]*Linear{
			"attn.q": l.qProj, "attn.k": l.kProj, "attn.v": l.vProj,
			"attn.o": l.oProj, "mlp.up": l.up, "mlp.down": l.down,
		} {
			o := lin.overlays[name]
			out[p+suffix+".lora_a"] = o.A.ToHost()
			out[p+suffix+".lora_b"] = o.B.ToHost()
		}
	}
	return out, nil
}

// LoadAdapterStateDict restores a previously saved overlay into the named
// adapter, which must already exist with matching rank.
func (m *Model) LoadAdapterStateDict(name string, sd map[string][]float32) error {
	if !m.adapters[name] {
		return fmt.Errorf("unknown adapter %q", name)
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("layers.%d.", i)
		for suffix, lin := range map[string]*Linear{
			"attn.q": l.qProj, "attn.k": l.kProj, "attn.v": l.vProj,
			"attn.o": l.oProj, "mlp.up": l.up, "mlp.down": l.down,
		} {
			o := lin.overlays[name]
			for _, part := range []struct {
				key string
				t   device.Tensor
			}{
				{p + suffix + ".lora_a", o.A},
				{p + suffix + ".lora_b", o.B},
			} {
				data, ok := sd[part.key]
				if !ok {
					return fmt.Errorf("adapter %q: missing tensor %q", name, part.key)
				}
				r, c := part.t.Dims()
				if len(data) != r*c {
					return fmt.Errorf("adapter %q: tensor %q size mismatch", name, part.key)
				}
				part.t.CopyFromFloat32(data)
			}
		}
	}
	return nil
}
