// Command ftctl manages fine-tuning runs from the terminal. It talks to a
// running controller; point it elsewhere with --server or FTCTL_SERVER.
package main

import (
	"log"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "ftctl"
	app.Usage = "fine-tuning pipeline control"
	app.Description = "Submit training jobs, register trained models and roll them out to endpoints"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "controller base `URL`",
			Value:   "http://localhost:8080",
			EnvVars: []string{"FTCTL_SERVER"},
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "controller API `KEY`",
			EnvVars: []string{"FTCTL_API_KEY"},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "templates",
			Usage:  "List the model families with base templates",
			Action: listTemplates,
		},
		{
			Name:   "resolve",
			Usage:  "Resolve a base template with overrides and print the job descriptor",
			Action: resolveSpec,
			Flags:  specFlags(),
		},
		{
			Name:   "submit",
			Usage:  "Resolve and submit a training job",
			Action: submitJob,
			Flags:  specFlags(),
		},
		{
			Name:      "status",
			Usage:     "Show the state of a training job",
			ArgsUsage: "JOB_ID",
			Action:    jobStatus,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "watch",
					Aliases: []string{"w"},
					Usage:   "poll until the job reaches a terminal state",
				},
			},
		},
		{
			Name:      "cancel",
			Usage:     "Cancel a training job",
			ArgsUsage: "JOB_ID",
			Action:    cancelJob,
		},
		{
			Name:   "register",
			Usage:  "Register a finished job's artifact as a model version",
			Action: registerModel,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "registry `NAME` for the model", Required: true},
				&cli.StringFlag{Name: "job", Usage: "source `JOB_ID`", Required: true},
			},
		},
		{
			Name:      "models",
			Usage:     "List registered versions of a model",
			ArgsUsage: "NAME",
			Action:    listModels,
		},
		{
			Name:      "endpoint",
			Usage:     "Create an inference endpoint (no-op if it already exists)",
			ArgsUsage: "NAME",
			Action:    ensureEndpoint,
		},
		{
			Name:   "deploy",
			Usage:  "Roll a registered model version out to an endpoint",
			Action: createDeployment,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "endpoint", Usage: "target endpoint `NAME`", Required: true},
				&cli.StringFlag{Name: "name", Usage: "deployment `NAME`", Required: true},
				&cli.StringFlag{Name: "model", Usage: "registered model `NAME`", Required: true},
				&cli.IntFlag{Name: "version", Usage: "model `VERSION`", Required: true},
				&cli.StringFlag{Name: "sku", Usage: "instance `SKU`", Value: "Standard_NC24ads_A100_v4"},
				&cli.IntFlag{Name: "count", Usage: "instance count", Value: 1},
				&cli.IntFlag{Name: "weight", Usage: "traffic weight percent", Value: 100},
			},
		},
		{
			Name:   "invoke",
			Usage:  "Send a generation request to an endpoint",
			Action: invokeEndpoint,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "endpoint", Usage: "endpoint `NAME`", Required: true},
				&cli.StringFlag{Name: "prompt", Usage: "completion `PROMPT`"},
				&cli.StringSliceFlag{
					Name:    "message",
					Aliases: []string{"m"},
					Usage:   "chat turn as `ROLE:CONTENT`; repeat for a conversation",
				},
				&cli.IntFlag{Name: "max-new-tokens", Usage: "generation length cap"},
				&cli.Float64Flag{Name: "temperature", Usage: "sampling temperature"},
				&cli.Float64Flag{Name: "top-p", Usage: "nucleus sampling cutoff"},
			},
		},
		{
			Name:   "run",
			Usage:  "Drive the whole pipeline: submit, wait, register and optionally deploy",
			Action: runPipeline,
			Flags: append(specFlags(),
				&cli.StringFlag{Name: "model-name", Usage: "registry `NAME` for the trained model", Required: true},
				&cli.BoolFlag{Name: "force", Usage: "submit even if an identical descriptor is in flight"},
				&cli.StringFlag{Name: "endpoint", Usage: "deploy to endpoint `NAME` after registration"},
				&cli.StringFlag{Name: "deployment", Usage: "deployment `NAME`", Value: "default"},
				&cli.StringFlag{Name: "sku", Usage: "instance `SKU`", Value: "Standard_NC24ads_A100_v4"},
				&cli.IntFlag{Name: "count", Usage: "instance count", Value: 1},
				&cli.IntFlag{Name: "weight", Usage: "traffic weight percent", Value: 100},
			),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		log.SetFlags(0)
		log.Fatal(err)
	}
}

func specFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "family",
			Aliases:  []string{"f"},
			Usage:    "base template `FAMILY` (see ftctl templates)",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "set",
			Aliases: []string{"s"},
			Usage:   "override as `KEY=VALUE`; repeat for multiple overrides",
		},
	}
}
