package ai

import (
	"fmt"

	"github.com/comptapilot/comptapilot/internal/classify"
)

const systemPrompt = `Tu es un expert-comptable français spécialisé dans la comptabilité générale. ` +
	`Tu analyses des factures fournisseurs et tu génères les écritures comptables correspondantes. ` +
	`Tu réponds UNIQUEMENT avec un objet JSON valide, sans texte avant ou après.`

func buildPrompt(input classify.Input) string {
	f := input.Fields
	return fmt.Sprintf(`MISSION : analyser cette facture et générer les écritures comptables.

=== TEXTE OCR ===
%s

=== CHAMPS EXTRAITS ===
Fournisseur : %s
N° Facture : %s
Date : %s
Montant HT : %.2f
Montant TVA : %.2f
Montant TTC : %.2f
Taux TVA : %.2f %%

=== INSTRUCTIONS ===

1. VALIDATION DES MONTANTS
   - Vérifie que HT + TVA = TTC (tolérance 0.02)
   - Si incohérence, calcule les bonnes valeurs

2. CATÉGORISATION COMPTABLE
   Détermine le compte de charge selon la nature de la dépense :
   601xxx achats de matières premières, 602xxx fournitures stockées,
   606xxx achats non stockés et services, 611xxx sous-traitance,
   613xxx locations, 615xxx entretien, 621xxx personnel extérieur,
   622xxx honoraires, 623xxx publicité, 624xxx transports,
   625xxx déplacements, 626xxx frais postaux et télécoms,
   627xxx services bancaires, 628xxx divers.

3. GÉNÉRATION DES ÉCRITURES
   Crée exactement 3 lignes :
   - DÉBIT compte de charge 6xxxxx, montant HT
   - DÉBIT compte TVA déductible 445660, montant TVA
   - CRÉDIT compte fournisseur 401000, montant TTC
   Le total des débits doit être égal au total des crédits.

=== FORMAT DE RÉPONSE (JSON STRICT) ===

{
  "supplier": {"name": "string", "accountNumber": "401000", "vatNumber": "string"},
  "invoice": {"number": "string", "date": "YYYY-MM-DD"},
  "amounts": {"ht": 0, "tva": 0, "ttc": 0, "tvaRate": 0},
  "accounting": {"journalCode": "ACH", "expenseAccount": "6xxxxx", "analyticalCode": ""},
  "entries": [
    {"accountNumber": "606100", "label": "string", "debit": 0, "credit": 0}
  ]
}`,
		input.OCRText,
		orUnknown(f.SupplierName),
		orUnknown(f.InvoiceNumber),
		orUnknown(f.InvoiceDate),
		f.AmountHT, f.AmountTVA, f.AmountTTC, f.TVARate)
}

func orUnknown(s string) string {
	if s == "" {
		return "Non détecté"
	}
	return s
}
