package sqlstore_test

import (
	"database/sql"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
)

var migrations = []string{
	`
	create table documents (
		id                 varchar(255) not null,
		rev                varchar(255) not null,
		doc_type           varchar(64) not null,
		form               varchar(64) not null default '',
		patient_id         varchar(64),
		person_patient_id  varchar(64),
		clinic_id          varchar(255),
		phone              varchar(64),
		reported_date      bigint not null default 0,
		doc                longblob not null,
		created_at         datetime(3) not null,
		updated_at         datetime(3) not null,

		primary key (id),

		index by_patient_id (patient_id),
		unique index by_person_patient_id (person_patient_id),
		index by_type_reported_date (doc_type, reported_date),
		index by_type_form_clinic (doc_type, form, clinic_id, reported_date),
		index by_type_phone (doc_type, phone)
	)`,
	`
	create table document_changes (
		seq                bigint not null auto_increment,
		doc_id             varchar(255) not null,
		doc                longblob not null,
		created_at         datetime(3) not null,

		primary key (seq),

		index by_doc_id (doc_id)
	)`,
}

func ConnectForTesting(t *testing.T) *sql.DB {
	return truss.ConnectForTesting(t, migrations...)
}
