package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// iniCodec maps INI sections onto nested viper keys. Keys outside any
// section land at the top level.
type iniCodec struct{}

func (iniCodec) Encode(v map[string]any) ([]byte, error) {
	f := ini.Empty()
	for name, raw := range v {
		section, ok := raw.(map[string]any)
		if !ok {
			f.Section(ini.DefaultSection).Key(name).SetValue(fmt.Sprint(raw))
			continue
		}
		sec := f.Section(name)
		for key, value := range section {
			sec.Key(key).SetValue(fmt.Sprint(value))
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (iniCodec) Decode(b []byte, v map[string]any) error {
	f, err := ini.Load(b)
	if err != nil {
		return err
	}
	for _, sec := range f.Sections() {
		keys := sec.Keys()
		if len(keys) == 0 {
			continue
		}
		target := v
		if sec.Name() != ini.DefaultSection {
			target = make(map[string]any, len(keys))
			v[sec.Name()] = target
		}
		for _, key := range keys {
			target[key.Name()] = key.Value()
		}
	}
	return nil
}

func newViper() (*viper.Viper, error) {
	codecs := viper.NewCodecRegistry()
	if err := codecs.RegisterCodec("ini", iniCodec{}); err != nil {
		return nil, fmt.Errorf("failed to register ini codec: %w", err)
	}
	return viper.NewWithOptions(viper.WithCodecRegistry(codecs)), nil
}
