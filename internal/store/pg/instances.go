package pg

import (
	"context"
	"encoding/json"
	"time"

	"smsbridge/internal/domain"
)

func (s *Store) GetActionInstance(ctx context.Context, instanceID string) (domain.ActionInstance, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT instance_id, install_id, template, recipient_field, COALESCE(country_field,''),
		       COALESCE(program_coid,''), country_setting, COALESCE(tracked_link_base_url,''),
		       sender_id, COALESCE(caller_id,''), validity_enabled, validity_hours,
		       custom_object, COALESCE(campaign_title,''),
		       COALESCE(decision_instance_id,''), decision_wait_hours,
		       sent_count, failed_count,
		       last_executed_at, requires_configuration, version
		FROM action_instances WHERE instance_id=$1
	`, instanceID)

	var inst domain.ActionInstance
	var countrySetting string
	var customObjectJSON []byte
	err := row.Scan(&inst.InstanceID, &inst.InstallID, &inst.Template, &inst.RecipientField,
		&inst.CountryField, &inst.ProgramCOID, &countrySetting, &inst.TrackedLinkBaseURL,
		&inst.SenderID, &inst.CallerID, &inst.ValidityEnabled, &inst.ValidityHours,
		&customObjectJSON, &inst.CampaignTitle,
		&inst.DecisionInstanceID, &inst.DecisionWaitHours,
		&inst.SentCount, &inst.FailedCount,
		&inst.LastExecutedAt, &inst.RequiresConfiguration, &inst.Version)
	if err != nil {
		if noRows(err) {
			return domain.ActionInstance{}, false, nil
		}
		return domain.ActionInstance{}, false, err
	}
	inst.CountrySetting = domain.CountrySetting(countrySetting)
	if len(customObjectJSON) > 0 {
		inst.CustomObject = &domain.CustomObjectMapping{}
		_ = json.Unmarshal(customObjectJSON, inst.CustomObject)
	}
	return inst, true, nil
}

func (s *Store) GetFeederInstance(ctx context.Context, instanceID string) (domain.FeederInstance, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT instance_id, install_id, feeder_type, watched_sender_ids,
		       COALESCE(keyword,''), field_names
		FROM feeder_instances WHERE instance_id=$1
	`, instanceID)

	var inst domain.FeederInstance
	var feederType string
	var fieldNamesJSON []byte
	err := row.Scan(&inst.InstanceID, &inst.InstallID, &feederType,
		&inst.WatchedSenderIDs, &inst.Keyword, &fieldNamesJSON)
	if err != nil {
		if noRows(err) {
			return domain.FeederInstance{}, false, nil
		}
		return domain.FeederInstance{}, false, err
	}
	inst.FeederType = domain.FeederType(feederType)
	_ = json.Unmarshal(fieldNamesJSON, &inst.FieldNames)
	return inst, true, nil
}

// IncrementInstanceStats bumps the action counters after a send attempt
// reaches a terminal state.
func (s *Store) IncrementInstanceStats(ctx context.Context, instanceID string, sentDelta, failedDelta int, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE action_instances
		SET sent_count = sent_count + $2, failed_count = failed_count + $3,
		    last_executed_at = $4, updated_at = $4
		WHERE instance_id = $1
	`, instanceID, sentDelta, failedDelta, now)
	return err
}

// ClearRequiresConfiguration flips the gate once the record definition has
// been pushed back to the marketing platform.
func (s *Store) ClearRequiresConfiguration(ctx context.Context, instanceID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE action_instances SET requires_configuration=FALSE, updated_at=$2
		WHERE instance_id=$1
	`, instanceID, now)
	return err
}
