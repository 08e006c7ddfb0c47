package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
)

// DescriptorFile is the artifact holding a saved model's metadata.
const DescriptorFile = "model.yaml"

// descriptor sits next to the serialized model data and names the
// flavor needed to load it back.
type descriptor struct {
	Flavor   string    `yaml:"flavor"`
	DataFile string    `yaml:"data_file"`
	SavedAt  time.Time `yaml:"saved_at"`
}

// Manager saves and loads models as run artifacts. Each model becomes
// two artifacts under the run: the serialized data and a yaml
// descriptor recording the flavor.
type Manager struct {
	store   *artifacts.Store
	flavors map[string]Flavor
	now     func() time.Time
}

func NewManager(store *artifacts.Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	m := &Manager{
		store:   store,
		flavors: map[string]Flavor{},
		now:     time.Now,
	}
	m.RegisterFlavor(GobFlavor{})
	m.RegisterFlavor(JSONFlavor{})
	return m, nil
}

// RegisterFlavor makes a flavor loadable by name; it replaces any
// previously registered flavor with the same name.
func (m *Manager) RegisterFlavor(f Flavor) {
	m.flavors[f.Name()] = f
}

// SaveModel serializes model with the given flavor under
// <name>/ inside the run's artifact namespace and returns the
// descriptor URI to hand to LoadModel.
func (m *Manager) SaveModel(ctx context.Context, runID, name string, flavor Flavor, model any) (string, error) {
	if name == "" {
		return "", errors.New("model name is required")
	}
	if flavor == nil {
		return "", errors.New("flavor is required")
	}

	var data bytes.Buffer
	if err := flavor.Save(&data, model); err != nil {
		return "", fmt.Errorf("serialize model: %w", err)
	}
	dataPath := path.Join(name, flavor.DataFile())
	if _, err := m.store.LogBytes(ctx, runID, dataPath, data.Bytes(), "application/octet-stream"); err != nil {
		return "", fmt.Errorf("upload model data: %w", err)
	}

	desc, err := yaml.Marshal(descriptor{
		Flavor:   flavor.Name(),
		DataFile: flavor.DataFile(),
		SavedAt:  m.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode descriptor: %w", err)
	}
	descPath := path.Join(name, DescriptorFile)
	ref, err := m.store.LogBytes(ctx, runID, descPath, desc, "application/x-yaml")
	if err != nil {
		return "", fmt.Errorf("upload descriptor: %w", err)
	}
	return ref.URI, nil
}

// LoadModel reads the descriptor at uri, picks the matching flavor,
// and decodes the model data into the pointer into.
func (m *Manager) LoadModel(ctx context.Context, uri string, into any) error {
	runID, descPath, err := artifacts.ParseURI(uri)
	if err != nil {
		return err
	}

	rc, err := m.store.Open(ctx, uri)
	if err != nil {
		return fmt.Errorf("open descriptor: %w", err)
	}
	var desc descriptor
	decodeErr := yaml.NewDecoder(rc).Decode(&desc)
	rc.Close()
	if decodeErr != nil {
		return fmt.Errorf("decode descriptor: %w", decodeErr)
	}

	flavor, ok := m.flavors[desc.Flavor]
	if !ok {
		return fmt.Errorf("unknown model flavor %q", desc.Flavor)
	}

	dataFile := desc.DataFile
	if dataFile == "" {
		dataFile = flavor.DataFile()
	}
	dataURI := artifacts.URIFor(runID, path.Join(path.Dir(descPath), dataFile))
	data, err := m.store.Open(ctx, dataURI)
	if err != nil {
		return fmt.Errorf("open model data: %w", err)
	}
	defer data.Close()
	return flavor.Load(data, into)
}
