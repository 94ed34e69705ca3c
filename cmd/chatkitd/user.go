package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatkit/internal/auth"
)

type usersFile struct {
	Users []auth.User `yaml:"users"`
}

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user registry file",
	}
	cmd.AddCommand(newUserAddCommand())
	cmd.AddCommand(newUserListCommand())
	return cmd
}

func newUserAddCommand() *cobra.Command {
	var (
		path     string
		username string
		password string
		models   []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user to the registry file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}

			file, err := readUsersFile(path)
			if err != nil {
				return err
			}
			for _, u := range file.Users {
				if u.Username == username {
					return fmt.Errorf("user %q already exists", username)
				}
			}

			user := auth.User{
				ID:             "u-" + uuid.NewString(),
				Username:       username,
				PasswordSHA256: auth.HashPassword(password),
				AllowedModels:  models,
			}
			file.Users = append(file.Users, user)

			if err := writeUsersFile(path, file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added user %s (%s)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "users-file", "users.yaml", "path to the users file")
	cmd.Flags().StringVar(&username, "username", "", "username for the new user")
	cmd.Flags().StringVar(&password, "password", "", "password for the new user")
	cmd.Flags().StringSliceVar(&models, "models", []string{"*"}, "allowed model ids, or * for all")
	return cmd
}

func newUserListCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users in the registry file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := readUsersFile(path)
			if err != nil {
				return err
			}
			for _, u := range file.Users {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%v\n", u.ID, u.Username, u.AllowedModels)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "users-file", "users.yaml", "path to the users file")
	return cmd
}

func readUsersFile(path string) (*usersFile, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &usersFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var file usersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return &file, nil
}

func writeUsersFile(path string, file *usersFile) error {
	raw, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode users file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	return nil
}
