package cli

import (
	"github.com/spf13/cobra"

	"github.com/subcog/subcog/internal/graph"
)

func init() {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the knowledge graph",
	}

	entities := &cobra.Command{
		Use:   "entities",
		Short: "List entities",
		Run:   runGraphEntities,
	}
	entities.Flags().StringP("type", "t", "", "Filter by entity type (file, tag, concept)")
	entities.Flags().String("name", "", "Filter by exact name")
	entities.Flags().StringP("record", "r", "", "Only entities referencing this record id")

	rels := &cobra.Command{
		Use:   "rels",
		Short: "List relationships",
		Run:   runGraphRels,
	}
	rels.Flags().StringP("entity", "e", "", "Only relationships touching this entity id")
	rels.Flags().StringP("kind", "k", "", "Filter by kind (relates_to, contradicts, depends_on, refines)")

	show := &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show the subgraph around an entity",
		Args:  cobra.ExactArgs(1),
		Run:   runGraphShow,
	}
	show.Flags().IntP("depth", "D", 1, "Traversal depth")

	relate := &cobra.Command{
		Use:   "relate <from-id> <to-id> <kind>",
		Short: "Connect two entities",
		Args:  cobra.ExactArgs(3),
		Run:   runGraphRelate,
	}
	relate.Flags().Float64P("weight", "w", 1.0, "Edge weight")

	graphCmd.AddCommand(entities, rels, show, relate)
	RootCmd.AddCommand(graphCmd)
}

func runGraphEntities(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	name, _ := cmd.Flags().GetString("name")
	record, _ := cmd.Flags().GetString("record")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	ents, err := e.Graph().Entities(cmd.Context(), graph.EntityFilter{
		Type:     typ,
		Name:     name,
		RecordID: record,
	})
	if err != nil {
		exitErr("graph entities", err)
	}
	printJSON(ents)
}

func runGraphRels(cmd *cobra.Command, args []string) {
	entity, _ := cmd.Flags().GetString("entity")
	kind, _ := cmd.Flags().GetString("kind")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	rels, err := e.Graph().Relationships(cmd.Context(), graph.RelationshipFilter{
		Entity: entity,
		Kind:   kind,
	})
	if err != nil {
		exitErr("graph rels", err)
	}
	printJSON(rels)
}

func runGraphShow(cmd *cobra.Command, args []string) {
	depth, _ := cmd.Flags().GetInt("depth")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	sub, err := e.Graph().Subgraph(cmd.Context(), args[0], depth)
	if err != nil {
		exitErr("graph show", err)
	}
	printJSON(sub)
}

func runGraphRelate(cmd *cobra.Command, args []string) {
	weight, _ := cmd.Flags().GetFloat64("weight")

	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	rel, err := e.Graph().Relate(cmd.Context(), args[0], args[1], args[2], weight)
	if err != nil {
		exitErr("graph relate", err)
	}
	printJSON(rel)
}
