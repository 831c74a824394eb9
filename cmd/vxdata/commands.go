package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/fetchgroup"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/metadata/mixin"
	"github.com/syssam/vxdata/sortgen"
)

func loadSchema(path string) (*metadata.Registry, error) {
	if path == "" {
		return nil, errors.New("missing -schema")
	}
	return metadata.LoadFile(path, metadata.WithMixins(mixin.ByName))
}

func loadPlan(reg *metadata.Registry, path string) (*fetchplan.FetchPlan, error) {
	if path == "" {
		return nil, errors.New("missing -plan")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fetchplan.LoadYAML(reg, f)
}

func fetchGroup(args []string, stdout, stderr io.Writer, log *slog.Logger) error {
	fs := flag.NewFlagSet("fetchgroup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		schema = fs.String("schema", "", "schema YAML file")
		plan   = fs.String("plan", "", "fetch plan YAML file")
		query  = fs.String("query", "", "JPQL query text")
		single = fs.Bool("single", false, "a single result is expected")
		group  = fs.Bool("fetchgroup", true, "apply a fetch group; false computes hints only")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return errors.New("missing -query")
	}
	reg, err := loadSchema(*schema)
	if err != nil {
		return err
	}
	p, err := loadPlan(reg, *plan)
	if err != nil {
		return err
	}
	m := fetchgroup.NewManager(fetchgroup.WithLogger(log))
	d, err := m.CalculateFetchGroup(*query, p, *single, *group)
	if err != nil {
		return err
	}
	printDescription(stdout, d)
	return nil
}

func printDescription(w io.Writer, d *fetchgroup.Description) {
	fmt.Fprintf(w, "alias: %s\npartial: %t\nattributes:\n", d.Alias(), d.Partial())
	for _, a := range d.Attributes() {
		fmt.Fprintf(w, "  %s\n", a)
	}
	hints := d.Hints()
	if len(hints) == 0 {
		return
	}
	paths := make([]string, 0, len(hints))
	for p := range hints {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	fmt.Fprintln(w, "hints:")
	for _, p := range paths {
		fmt.Fprintf(w, "  %s %s\n", p, hints[p])
	}
}

func sortQuery(args []string, stdout, stderr io.Writer, log *slog.Logger) error {
	fs := flag.NewFlagSet("sort", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		schema = fs.String("schema", "", "schema YAML file")
		entity = fs.String("entity", "", "entity name of the query")
		query  = fs.String("query", "", "JPQL query text")
		by     = fs.String("by", "", "comma separated property paths to sort by")
		values = fs.String("values", "", "comma separated selected properties of a value query")
		desc   = fs.Bool("desc", false, "sort descending")
		lob    = fs.Bool("lob", false, "the store can sort by large objects")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *query == "":
		return errors.New("missing -query")
	case *by == "":
		return errors.New("missing -by")
	case *entity == "" && *values == "":
		return errors.New("missing -entity or -values")
	}
	reg, err := loadSchema(*schema)
	if err != nil {
		return err
	}
	dir := data.Asc
	if *desc {
		dir = data.Desc
	}
	sort := data.SortByDirection(dir, splitList(*by)...)
	g := sortgen.New(reg, sortgen.WithLobSortSupported(*lob))
	out, err := g.ProcessQuery(*entity, splitList(*values), *query, sort)
	if err != nil {
		return err
	}
	log.Debug("vxdata: sort rewritten", "entity", *entity, "sort", sort.String())
	fmt.Fprintln(stdout, out)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
