/*
Package cli provides command-line utilities for the ganymede command.

Output Formatting:

Commands that print structured data (status reports, metrics, state
dumps) support multiple output formats:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, reports); err != nil {
		return err
	}

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx := cli.SetupSignalHandler()
	return sup.Run(ctx)
*/
package cli
