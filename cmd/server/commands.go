package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-procurement-approvals/internal/client"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

func sweepCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every overdue approval request once, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = cfg.Workflow.SweepBatchSize
			}

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			total := 0
			for {
				n, err := a.service.SweepExpired(cmd.Context(), batch)
				total += n
				if err != nil {
					return err
				}
				// a short batch means nothing overdue is left
				if n < batch {
					break
				}
			}
			log.Info().Int("expired", total).Msg("Expiry sweep finished")
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "requests per pass (defaults to workflow.sweep_batch_size)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for migrate")
			}

			db, err := openDatabase(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info().Msg("Schema migrated")
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage department approval rules",
	}
	cmd.AddCommand(rulesImportCmd())
	return cmd
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [directory-file]",
		Short: "Replace the Postgres department rules with those of a directory file",
		Long: `Loads the rules section of every department in the directory file and
writes them to the department_approval_rules table. Existing rules of each
imported department are replaced in one transaction, so a failed import
leaves that department's previous rules in place; departments absent from
the file are left untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			path := cfg.Workflow.DirectoryFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no directory file given and workflow.directory_file is not set")
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for rules import")
			}

			dir, err := client.LoadDirectory(path)
			if err != nil {
				return err
			}

			db, err := openDatabase(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := repository.NewDepartmentRulesRepository(db)

			byDept := dir.DepartmentRules()
			departments := make([]string, 0, len(byDept))
			for dept := range byDept {
				departments = append(departments, dept)
			}
			sort.Strings(departments)

			imported := 0
			for _, dept := range departments {
				if err := repo.ReplaceDepartment(cmd.Context(), dept, byDept[dept]); err != nil {
					return fmt.Errorf("department %s: %w", dept, err)
				}
				imported += len(byDept[dept])
				log.Info().Str("department", dept).Int("rules", len(byDept[dept])).Msg("Department rules imported")
			}
			log.Info().Int("rules", imported).Int("departments", len(departments)).Msg("Rules import finished")
			return nil
		},
	}
}
