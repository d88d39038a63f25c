package covariates

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

func testSchema() types.CovariateSchema {
	return types.CovariateSchema{
		SiteColumn:      "locality_id",
		DateColumn:      "observation_date",
		TimeColumn:      "time_started",
		ProtocolColumn:  "protocol",
		SpeciesColumn:   "species",
		DetectionColumn: "detected",
		DistanceColumn:  "distance_km",
		ObsCovariates:   []string{"duration_min", "distance_km"},
		SiteCovariates:  []string{"elev"},
		DateFormat:      "2006-01-02",
		TimeFormat:      "15:04",
	}
}

const tableHeader = "locality_id,observation_date,time_started,protocol,species,detected,duration_min,distance_km,elev\n"

func TestReadParsesRows(t *testing.T) {
	table := tableHeader +
		"L1,2020-01-10,08:30,Traveling,Turdus merula,1,60,2.5,412\n" +
		"L1,2020-01-11,09:00,Stationary,Turdus merula,0,30,0,412\n" +
		"L2,2020-01-10,08:30,Traveling,Erithacus rubecula,1,45,1.0,120\n"

	tbl, err := Read(strings.NewReader(table), testSchema(), &bytes.Buffer{})
	require.NoError(t, err)

	require.Len(t, tbl.Checklists, 3)
	assert.Equal(t, 3, tbl.Summary.Rows)
	assert.Zero(t, tbl.Summary.Bad)

	cl := tbl.Checklists[0]
	assert.Equal(t, "L1", cl.SiteID)
	assert.Equal(t, 8*60+30, cl.MinutesOfDay)
	assert.Equal(t, types.ProtocolTraveling, cl.Protocol)
	assert.Equal(t, 1, cl.Detected)
	assert.Equal(t, 60.0, cl.ObsCovariates["duration_min"])
	assert.Equal(t, 2.5, cl.ObsCovariates["distance_km"])
	assert.Equal(t, 412.0, cl.SiteCovariates["elev"])

	// Species labels in input order.
	assert.Equal(t, []string{"Turdus merula", "Erithacus rubecula"}, tbl.Species)
}

func TestReadMissingColumnFailsFast(t *testing.T) {
	header := "locality_id,observation_date,time_started,protocol,species,detected,duration_min,distance_km\n"
	_, err := Read(strings.NewReader(header), testSchema(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elev")
}

func TestReadUnconfiguredColumnFails(t *testing.T) {
	schema := testSchema()
	schema.SpeciesColumn = ""
	_, err := Read(strings.NewReader(tableHeader), schema, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "species")
}

func TestReadDistanceMustBeObservationCovariate(t *testing.T) {
	schema := testSchema()
	schema.ObsCovariates = []string{"duration_min"}
	_, err := Read(strings.NewReader(tableHeader), schema, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distance_km")
}

func TestReadCountsBadRows(t *testing.T) {
	table := tableHeader +
		"L1,2020-01-10,08:30,Traveling,Turdus merula,1,60,2.5,412\n" +
		"L1,not-a-date,08:30,Traveling,Turdus merula,1,60,2.5,412\n" +
		"L1,2020-01-12,08:30,Traveling,Turdus merula,2,60,2.5,412\n" +
		"L1,2020-01-13,08:30,Traveling,Turdus merula,0,sixty,2.5,412\n" +
		",2020-01-14,08:30,Traveling,Turdus merula,0,60,2.5,412\n"

	var log bytes.Buffer
	tbl, err := Read(strings.NewReader(table), testSchema(), &log)
	require.NoError(t, err)

	assert.Len(t, tbl.Checklists, 1)
	assert.Equal(t, 5, tbl.Summary.Rows)
	assert.Equal(t, 4, tbl.Summary.Bad)
	assert.Contains(t, log.String(), "bad row 3")
}

func TestReadSiteCovariateConflict(t *testing.T) {
	table := tableHeader +
		"L1,2020-01-10,08:30,Traveling,Turdus merula,1,60,2.5,412\n" +
		"L1,2020-01-11,08:30,Traveling,Turdus merula,0,60,2.5,999\n"

	var log bytes.Buffer
	tbl, err := Read(strings.NewReader(table), testSchema(), &log)
	require.NoError(t, err)

	assert.Equal(t, 1, tbl.Summary.SiteCovConflict)
	// First value wins on both rows.
	assert.Equal(t, 412.0, tbl.Checklists[0].SiteCovariates["elev"])
	assert.Equal(t, 412.0, tbl.Checklists[1].SiteCovariates["elev"])
}

func TestForSpecies(t *testing.T) {
	table := tableHeader +
		"L1,2020-01-10,08:30,Traveling,Turdus merula,1,60,2.5,412\n" +
		"L2,2020-01-10,08:30,Traveling,Erithacus rubecula,1,45,1.0,120\n" +
		"L2,2020-01-11,08:30,Traveling,Turdus merula,0,45,1.0,120\n"

	tbl, err := Read(strings.NewReader(table), testSchema(), &bytes.Buffer{})
	require.NoError(t, err)

	merula := tbl.ForSpecies("Turdus merula")
	require.Len(t, merula, 2)
	assert.Equal(t, "L1", merula[0].SiteID)
	assert.Equal(t, "L2", merula[1].SiteID)
	assert.Empty(t, tbl.ForSpecies("Passer domesticus"))
}
