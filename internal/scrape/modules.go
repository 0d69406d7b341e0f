package scrape

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/agent"
)

// Portal element ids.
const (
	biModuleButtonID = "ctl00_ImageButton11"
	homeButtonID     = "ctl00_ImageButton_Home"

	invoiceLinkID      = "ctl00_ContentPlaceHolder1_TabContainer1_Tab_BI_Module_grid_crop_suppl_ctl10_link_crop_supplier"
	invoiceWarehouseID = "ctl00_ContentPlaceHolder1_ddl_Warehouse"
	invoiceDateID      = "ctl00_ContentPlaceHolder1_ddl_date"
	invoiceShowID      = "ctl00_ContentPlaceHolder1_btn_Show"

	stockLinkID  = "ctl00_ContentPlaceHolder1_TabContainer1_Tab_BI_Module_grid_crop_suppl_ctl09_link_crop_supplier"
	stockDepotID = "ctl00_ContentPlaceHolder1_ddl_warehouse_Name"
	stockGridID  = "ctl00_ContentPlaceHolder1_Grid_req"

	inventoryDistrictID  = "ctl00_ContentPlaceHolder1_TabContainer1_tab_war_ddl_Excise_district"
	inventoryWarehouseID = "ctl00_ContentPlaceHolder1_TabContainer1_tab_war_ddl_warehouse"
	inventoryGridID      = "ctl00_ContentPlaceHolder1_TabContainer1_tab_war_GridView1"
	inventoryPdfID       = "ctl00_ContentPlaceHolder1_TabContainer1_tab_war_ImgButton_WarehousePdf"
)

// Download name fragments.
const (
	InvoiceFragment   = "BEVCO_Invoice.pdf"
	InventoryFragment = "WBSBCL_Inventory"
)

// portalDateLayout is how the invoice date dropdown renders dates.
const portalDateLayout = "02/01/2006"

// ModuleFor returns the portal behaviour for m.
func ModuleFor(m schemas.Module) (Module, error) {
	switch m {
	case schemas.ModuleInvoice:
		return Invoice{}, nil
	case schemas.ModuleStock:
		return Stock{}, nil
	case schemas.ModuleInventory:
		return Inventory{}, nil
	}
	return nil, fmt.Errorf("no scrape module for %q", m)
}

// clickThrough clicks each id in turn, waiting for the page to settle after each.
func clickThrough(ctx context.Context, env *Env, ids ...string) error {
	for _, id := range ids {
		if err := env.Agent.Click(ctx, id); err != nil {
			return err
		}
		if err := env.Agent.WaitUntil(ctx, agent.Ready(), env.Timing.StepTimeout); err != nil {
			return err
		}
		if err := env.settle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// collectDownload waits for the artifact and renames it to newBase, keeping
// the downloaded file's extension.
func collectDownload(ctx context.Context, env *Env, fragment, newBase string) error {
	name, err := env.Watcher.Await(ctx, env.Dir, fragment, env.Timing.DownloadTimeout)
	if err != nil {
		return err
	}
	dest, err := freeName(env.Dir, newBase, filepath.Ext(name))
	if err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(env.Dir, name), filepath.Join(env.Dir, dest)); err != nil {
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	env.Logger.Debug("Artifact renamed.", zap.String("from", name), zap.String("to", dest))
	return nil
}

// freeName returns base+ext, or base_2+ext, base_3+ext and so on, whichever
// does not exist yet in dir. Renames never replace an earlier artifact.
func freeName(dir, base, ext string) (string, error) {
	for n := 1; ; n++ {
		name := base + ext
		if n > 1 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		_, err := os.Lstat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", name, err)
		}
	}
}

// safeName makes s usable as a file name component.
func safeName(s string) string {
	r := strings.NewReplacer(" ", "_", "/", "_", `\`, "_", ":", "_")
	return r.Replace(strings.TrimSpace(s))
}

// -- Invoice --

// Invoice downloads one invoice PDF per warehouse for the requested date.
type Invoice struct{}

func (Invoice) Name() schemas.Module { return schemas.ModuleInvoice }

func (Invoice) Navigate(ctx context.Context, env *Env) error {
	return clickThrough(ctx, env, biModuleButtonID, invoiceLinkID)
}

func (Invoice) Submit(ctx context.Context, env *Env, t schemas.Target) error {
	date := env.Params.Date
	if t.Date != nil {
		date = *t.Date
	}
	if err := env.Agent.Select(ctx, invoiceWarehouseID, t.Name); err != nil {
		return err
	}
	if err := env.Agent.Select(ctx, invoiceDateID, date.Format(portalDateLayout)); err != nil {
		return err
	}
	if err := env.Agent.WaitUntil(ctx, agent.ClickableByID(invoiceShowID), env.Timing.StepTimeout); err != nil {
		return err
	}
	return env.Agent.Click(ctx, invoiceShowID)
}

// Collect names the invoice after the warehouse, adding the row's own date
// when it overrides the job date.
func (Invoice) Collect(ctx context.Context, env *Env, t schemas.Target) error {
	base := safeName(t.Name)
	if t.Date != nil {
		base += "_" + t.Date.Format(schemas.DateLayout)
	}
	return collectDownload(ctx, env, InvoiceFragment, base)
}

// -- Stock --

// Stock reads each depot's stock grid into one consolidated workbook.
type Stock struct{}

func (Stock) Name() schemas.Module { return schemas.ModuleStock }

func (Stock) Navigate(ctx context.Context, env *Env) error {
	return clickThrough(ctx, env, biModuleButtonID, stockLinkID)
}

func (Stock) Submit(ctx context.Context, env *Env, t schemas.Target) error {
	if err := env.Agent.Select(ctx, stockDepotID, t.Name); err != nil {
		return err
	}
	return env.Agent.WaitUntil(ctx, agent.VisibleByID(stockGridID), env.Timing.StepTimeout)
}

func (Stock) Collect(ctx context.Context, env *Env, t schemas.Target) error {
	markup, err := env.Agent.OuterHTML(ctx, stockGridID)
	if err != nil {
		return err
	}
	tbl, err := ParseTable(markup)
	if err != nil {
		return err
	}
	return env.Workbook.Append("Depot", t.Name, tbl)
}

// -- Inventory --

// Inventory downloads one warehouse inventory PDF per (district, warehouse).
type Inventory struct{}

func (Inventory) Name() schemas.Module { return schemas.ModuleInventory }

func (Inventory) Navigate(ctx context.Context, env *Env) error {
	return clickThrough(ctx, env, homeButtonID)
}

func (Inventory) Submit(ctx context.Context, env *Env, t schemas.Target) error {
	a := env.Agent
	if err := a.WaitUntil(ctx, agent.PresentByID(inventoryDistrictID), env.Timing.StepTimeout); err != nil {
		return err
	}
	if err := a.Select(ctx, inventoryDistrictID, t.District); err != nil {
		return err
	}
	if err := env.settle(ctx); err != nil {
		return err
	}
	// The warehouse list is repopulated by the district postback.
	if err := a.WaitUntil(ctx, agent.OptionsMoreThan(inventoryWarehouseID, 1), env.Timing.StepTimeout); err != nil {
		return err
	}
	if err := a.Select(ctx, inventoryWarehouseID, t.Name); err != nil {
		return err
	}
	if err := a.WaitUntil(ctx, agent.PresentByID(inventoryGridID), env.Timing.StepTimeout); err != nil {
		return err
	}
	if err := a.WaitUntil(ctx, agent.ClickableByID(inventoryPdfID), env.Timing.StepTimeout); err != nil {
		return err
	}
	return a.Click(ctx, inventoryPdfID)
}

func (Inventory) Collect(ctx context.Context, env *Env, t schemas.Target) error {
	base := env.Now().Format("20060102_150405") + "_" + safeName(t.Name)
	return collectDownload(ctx, env, InventoryFragment, base)
}
