package model

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

// Flavor is a model serialization format. Save and Load are symmetric:
// whatever Save wrote, Load decodes back into a caller-provided
// pointer.
type Flavor interface {
	Name() string
	DataFile() string
	Save(w io.Writer, model any) error
	Load(r io.Reader, into any) error
}

// GobFlavor serializes models with encoding/gob. Concrete model types
// must be gob-encodable; interface-typed fields need gob.Register.
type GobFlavor struct{}

func (GobFlavor) Name() string     { return "gob" }
func (GobFlavor) DataFile() string { return "model.bin" }

func (GobFlavor) Save(w io.Writer, model any) error {
	return gob.NewEncoder(w).Encode(model)
}

func (GobFlavor) Load(r io.Reader, into any) error {
	return gob.NewDecoder(r).Decode(into)
}

// JSONFlavor serializes models as JSON, readable outside this module.
type JSONFlavor struct{}

func (JSONFlavor) Name() string     { return "json" }
func (JSONFlavor) DataFile() string { return "model.json" }

func (JSONFlavor) Save(w io.Writer, model any) error {
	return json.NewEncoder(w).Encode(model)
}

func (JSONFlavor) Load(r io.Reader, into any) error {
	return json.NewDecoder(r).Decode(into)
}
