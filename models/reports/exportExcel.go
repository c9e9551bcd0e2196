package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	inventoryXlsxMIME    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportDownloadExpiry = 15 * time.Minute
)

// BuildInventoryWorkbook assembles the emissions inventory for the window into
// a four-sheet workbook: scope summary, category breakdown, monthly series and
// top sources. Values carry the same rounding the JSON reports publish, so the
// workbook and the dashboard never disagree.
func BuildInventoryWorkbook(ctx context.Context, fromDate, toDate models.MyDateString) (*excelize.File, error) {
	start := time.Now()
	defer logSlowReport(ctx, "inventory_export", start, nil)

	organization, err := models.GetOrganization(ctx)
	if err != nil {
		return nil, err
	}
	scopes, err := GetScopeBreakdown(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	categories, err := GetCategoryBreakdown(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	monthly, err := GetMonthlyEmissions(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	topSources, err := GetTopEmissionSources(ctx, fromDate, toDate, 0)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return nil, err
	}

	f.SetCellValue("Summary", "A1", "Organization")
	f.SetCellValue("Summary", "B1", organization.Name)
	f.SetCellValue("Summary", "A2", "Period Start")
	f.SetCellValue("Summary", "B2", scopes.FromDate.Format("2006-01-02"))
	f.SetCellValue("Summary", "A3", "Period End")
	f.SetCellValue("Summary", "B3", scopes.ToDate.Format("2006-01-02"))
	f.SetCellValue("Summary", "A4", "Unit")
	f.SetCellValue("Summary", "B4", scopes.Unit)

	f.SetCellValue("Summary", "A6", "Scope")
	f.SetCellValue("Summary", "B6", "Total")
	f.SetCellValue("Summary", "C6", "Share %")
	for i, row := range scopes.Scopes {
		f.SetCellValue("Summary", "A"+fmt.Sprint(i+7), fmt.Sprintf("Scope %d", row.Scope))
		f.SetCellValue("Summary", "B"+fmt.Sprint(i+7), row.Total)
		f.SetCellValue("Summary", "C"+fmt.Sprint(i+7), row.Percentage)
	}
	totalRow := len(scopes.Scopes) + 7
	f.SetCellValue("Summary", "A"+fmt.Sprint(totalRow), "Total")
	f.SetCellValue("Summary", "B"+fmt.Sprint(totalRow), scopes.Total)
	f.SetCellValue("Summary", "A"+fmt.Sprint(totalRow+1), "Excluded Records")
	f.SetCellValue("Summary", "B"+fmt.Sprint(totalRow+1), scopes.ExcludedCount)

	if _, err := f.NewSheet("Categories"); err != nil {
		return nil, err
	}
	f.SetCellValue("Categories", "A1", "Scope")
	f.SetCellValue("Categories", "B1", "Category")
	f.SetCellValue("Categories", "C1", "Total")
	f.SetCellValue("Categories", "D1", "Share %")
	for i, row := range categories.Categories {
		f.SetCellValue("Categories", "A"+fmt.Sprint(i+2), row.Scope)
		f.SetCellValue("Categories", "B"+fmt.Sprint(i+2), row.Category)
		f.SetCellValue("Categories", "C"+fmt.Sprint(i+2), row.Total)
		f.SetCellValue("Categories", "D"+fmt.Sprint(i+2), row.Percentage)
	}

	if _, err := f.NewSheet("Monthly"); err != nil {
		return nil, err
	}
	f.SetCellValue("Monthly", "A1", "Month")
	f.SetCellValue("Monthly", "B1", "Total")
	for i, row := range monthly.Months {
		f.SetCellValue("Monthly", "A"+fmt.Sprint(i+2), row.Month)
		f.SetCellValue("Monthly", "B"+fmt.Sprint(i+2), row.Total)
	}

	if _, err := f.NewSheet("Top Sources"); err != nil {
		return nil, err
	}
	f.SetCellValue("Top Sources", "A1", "Rank")
	f.SetCellValue("Top Sources", "B1", "Category")
	f.SetCellValue("Top Sources", "C1", "Scope")
	f.SetCellValue("Top Sources", "D1", "Total")
	f.SetCellValue("Top Sources", "E1", "Recommendation")
	for i, row := range topSources.Sources {
		f.SetCellValue("Top Sources", "A"+fmt.Sprint(i+2), i+1)
		f.SetCellValue("Top Sources", "B"+fmt.Sprint(i+2), row.Category)
		f.SetCellValue("Top Sources", "C"+fmt.Sprint(i+2), row.Scope)
		f.SetCellValue("Top Sources", "D"+fmt.Sprint(i+2), row.Total)
		f.SetCellValue("Top Sources", "E"+fmt.Sprint(i+2), row.Recommendation)
	}

	return f, nil
}

// InventoryExportFilename is the attachment name for direct downloads.
func InventoryExportFilename(fromDate, toDate models.MyDateString) string {
	return fmt.Sprintf("inventory_%s_%s.xlsx",
		time.Time(fromDate).UTC().Format("2006-01-02"),
		time.Time(toDate).UTC().Format("2006-01-02"))
}

// UploadInventoryWorkbook stores the workbook in the export bucket and returns
// a time-limited signed download. Object keys are per organization and carry a
// timestamp so repeated exports never overwrite each other.
func UploadInventoryWorkbook(ctx context.Context, f *excelize.File, fromDate, toDate models.MyDateString) (*utils.SignedDownload, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %v", err)
	}

	objectKey := fmt.Sprintf("exports/%s/inventory_%s_%s_%d.xlsx",
		organizationId,
		time.Time(fromDate).UTC().Format("2006-01-02"),
		time.Time(toDate).UTC().Format("2006-01-02"),
		time.Now().UnixMilli(),
	)
	if err := utils.UploadBytesToGCS(ctx, objectKey, buf.Bytes(), inventoryXlsxMIME); err != nil {
		return nil, err
	}
	return utils.SignDownload(ctx, objectKey, exportDownloadExpiry)
}
