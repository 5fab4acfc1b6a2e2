package config

import "errors"

// Validate returns a joined error listing every missing required field.
// Required fields are the ones the process cannot sensibly default: chat
// credentials, the VM target, the callback secret, the database, and the
// firewall API credentials.
func (s Settings) Validate() error {
	var errs []error
	required := func(value, name string) {
		if value == "" {
			errs = append(errs, errors.New(name+" is required"))
		}
	}

	required(s.MattermostURL, "SM_MATTERMOST_URL")
	required(s.MattermostToken, "SM_MATTERMOST_TOKEN")
	required(s.MattermostTeamID, "SM_MATTERMOST_TEAM_ID")
	required(s.VMHost, "SM_VM_HOST")
	required(s.CallbackSecret, "SM_CALLBACK_SECRET")
	required(s.DatabaseURL, "SM_DATABASE_URL")
	required(s.OpnsenseURL, "SM_OPNSENSE_URL")
	required(s.OpnsenseKey, "SM_OPNSENSE_KEY")
	required(s.OpnsenseSecret, "SM_OPNSENSE_SECRET")

	if s.VMSSHKey == "" && s.VMSSHKeyPath == "" {
		errs = append(errs, errors.New("one of SM_VM_SSH_KEY or SM_VM_SSH_KEY_PATH is required"))
	}

	return errors.Join(errs...)
}
