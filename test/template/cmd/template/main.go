package main

import (
	"context"
	"fmt"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/batch"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
	"github.com/shpitdev/formfill-pipeline/test/template/surface"
)

func main() {
	rules, err := validate.NewRuleSet(validate.Rule{Name: "Email", Type: validate.TypeEmail, Required: true})
	if err != nil {
		panic(err)
	}
	coord := batch.New(surface.Factory, batch.WithValidator(validate.New(rules)))

	out, err := coord.Run(context.Background(), []core.Record{
		{ID: "r1", Fields: map[string]any{"Email": "alice@example.com"}},
	}, batch.Config{}, nil)
	if err != nil {
		panic(err)
	}
	fmt.Println(out[0].Data.Captured.Fields["Email"])
}
