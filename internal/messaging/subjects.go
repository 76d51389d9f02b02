package messaging

// Subject layout:
//   notify.user.{userID}   live per-recipient notification events
//   notify.redeliver       failed inbox batches awaiting re-insert

const (
	LiveSubjectPrefix = "notify.user."
	RedeliverySubject = "notify.redeliver"
)

func UserSubject(userID string) string {
	return LiveSubjectPrefix + userID
}
