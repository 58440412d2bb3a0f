package main

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/corpus-enricher/internal/model"
)

var importFilePath string

// importDoc is the import file layout. JSON files parse the same way.
type importDoc struct {
	Items     []model.SourceItem     `yaml:"items"`
	Knowledge []model.KnowledgeChunk `yaml:"knowledge"`
}

type importStore interface {
	ImportItems(ctx context.Context, items []model.SourceItem) (int64, error)
	ImportKnowledge(ctx context.Context, chunks []model.KnowledgeChunk) (int64, error)
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load source items and knowledge chunks from a YAML or JSON file",
	Long: `Import reads a document with an "items" list of source items and an
optional "knowledge" list of corpus chunks, or a bare list of items, and
upserts them into the store.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		items, chunks, err := importFile(ctx, st, importFilePath)
		if err != nil {
			return err
		}
		zap.L().Info("import complete",
			zap.Int64("items", items),
			zap.Int64("knowledge", chunks),
			zap.String("file", importFilePath),
		)
		return nil
	},
}

func importFile(ctx context.Context, st importStore, path string) (int64, int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, eris.Wrap(err, "import: read file")
	}
	doc, err := parseImport(raw)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "import: parse %s", path)
	}
	if err := checkImport(doc); err != nil {
		return 0, 0, err
	}

	var items, chunks int64
	if len(doc.Items) > 0 {
		if items, err = st.ImportItems(ctx, doc.Items); err != nil {
			return 0, 0, eris.Wrap(err, "import: items")
		}
	}
	if len(doc.Knowledge) > 0 {
		if chunks, err = st.ImportKnowledge(ctx, doc.Knowledge); err != nil {
			return items, 0, eris.Wrap(err, "import: knowledge")
		}
	}
	return items, chunks, nil
}

func parseImport(raw []byte) (*importDoc, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, eris.New("empty file")
	}

	var doc importDoc
	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(trimmed, &doc.Items); err != nil {
			return nil, err
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func checkImport(doc *importDoc) error {
	if len(doc.Items) == 0 && len(doc.Knowledge) == 0 {
		return eris.New("import: nothing to import")
	}
	seen := make(map[string]bool, len(doc.Items))
	for i, it := range doc.Items {
		if strings.TrimSpace(it.ID) == "" {
			return eris.Errorf("import: item %d has no id", i)
		}
		if seen[it.ID] {
			return eris.Errorf("import: duplicate item id %s", it.ID)
		}
		seen[it.ID] = true
		if strings.TrimSpace(it.Content) == "" {
			return eris.Errorf("import: item %s has no content", it.ID)
		}
	}
	for i, c := range doc.Knowledge {
		if strings.TrimSpace(c.Content) == "" {
			return eris.Errorf("import: knowledge chunk %d has no content", i)
		}
	}
	return nil
}

func init() {
	importCmd.Flags().StringVar(&importFilePath, "file", "", "path to a YAML or JSON file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
