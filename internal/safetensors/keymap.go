package safetensors

import "strings"

// MoshiKeyMapper normalizes PyTorch checkpoint names to the module paths
// used by the native builders. nn.MultiheadAttention stores its fused
// projection as "in_proj_weight"; the builders expect "in_proj.weight".
func MoshiKeyMapper(name string) (string, bool) {
	if strings.HasSuffix(name, ".in_proj_weight") {
		return strings.TrimSuffix(name, "_weight") + ".weight", true
	}

	if strings.HasSuffix(name, ".in_proj_bias") {
		return strings.TrimSuffix(name, "_bias") + ".bias", true
	}

	return name, true
}

// PrefixKeyMapper strips prefix and drops keys that do not carry it.
func PrefixKeyMapper(prefix string) KeyMapper {
	return func(name string) (string, bool) {
		after, ok := strings.CutPrefix(name, prefix)
		return after, ok
	}
}

// ChainKeyMappers applies mappers in order; any rejection drops the key.
func ChainKeyMappers(mappers ...KeyMapper) KeyMapper {
	return func(name string) (string, bool) {
		for _, m := range mappers {
			var keep bool
			if name, keep = m(name); !keep {
				return "", false
			}
		}

		return name, true
	}
}
