package celerity

// Debug output - only produced when the charter sets debug: true. The grid
// is dumped at the same points in each phase so data can be inspected as it
// is transformed, and a Graphviz description of the charter pipeline is
// written once per job.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emicklei/dot"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
)

// debugGrid writes all the grid's data to a file at this point.
func debugGrid(ctx *job.Context, g *grid.Grid, sequence int) {
	if !ctx.Charter().Debug {
		return
	}

	outputPath := filepath.Join(ctx.Folders().Debug(),
		fmt.Sprintf("%s_%d_%s_%d.debug.csv", ctx.Ts(), int(ctx.Phase()), ctx.Phase(), sequence))

	ctx.Log().Debugf("Creating grid debug file %s...", outputPath)

	writer, err := csvutil.NewWriter(outputPath)
	if err != nil {
		ctx.Log().Errorf("Unable to create debug file: %v", err)
		return
	}
	defer writer.Close()

	if err := writer.Write(g.Schema().Headers()); err != nil {
		ctx.Log().Errorf("Unable to write the debug headers: %v", err)
		return
	}

	iter, err := grid.NewIterator(ctx, g)
	if err != nil {
		ctx.Log().Errorf("Unable to iterate the grid: %v", err)
		return
	}
	defer iter.Close()

	count := 0
	for {
		record, err := iter.Next()
		if err != nil || record == nil {
			break
		}
		if err := writer.Write(record.AsStrings()); err != nil {
			ctx.Log().Errorf("Unable to write debug record: %v", err)
			return
		}
		count++
	}

	ctx.Log().Debugf("...%d rows written to %s", count, outputPath)
}

// pipelineGraph writes a dot description of the charter's dataflow: source
// patterns feed projections and merges, which feed the group instructions.
func pipelineGraph(ctx *job.Context) {
	graph := dot.NewGraph(dot.Directed)

	sources := []dot.Node{}
	for _, sf := range ctx.Charter().Matching.SourceFiles {
		node := graph.Node("source: "+sf.Pattern).Attr("shape", "box")
		sources = append(sources, node)
	}

	previous := sources
	for idx, inst := range ctx.Charter().Matching.Instructions {
		var node dot.Node
		switch {
		case inst.Project != nil:
			node = graph.Node(fmt.Sprintf("project %s (%s)", inst.Project.Column, inst.Project.AsA))
		case inst.Merge != nil:
			node = graph.Node(fmt.Sprintf("merge %s <- %s", inst.Merge.Into, strings.Join(inst.Merge.Columns, ", ")))
		case inst.Group != nil:
			node = graph.Node(fmt.Sprintf("group %d by %s", idx, strings.Join(inst.Group.By, ", "))).Attr("shape", "box")
		default:
			continue
		}
		for _, prev := range previous {
			graph.Edge(prev, node)
		}
		previous = []dot.Node{node}
	}

	outputPath := filepath.Join(ctx.Folders().Debug(), fmt.Sprintf("%s_pipeline.dot", ctx.Ts()))
	if err := os.WriteFile(outputPath, []byte(graph.String()), 0644); err != nil {
		ctx.Log().Errorf("Unable to write pipeline graph: %v", err)
		return
	}
	ctx.Log().Debugf("Created pipeline graph %s", outputPath)
}
